/*
Copyright 2022 Adolfo García Veytia

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/sirupsen/logrus"
	util "sigs.k8s.io/release-utils/helpers"

	"sigs.k8s.io/comal/pkg/exec"
)

const (
	defaultRemote = "origin"
	tokenUser     = "comal"
)

type Repository struct {
	Options Options
}

func NewRepository(dir string) *Repository {
	return &Repository{
		Options: Options{
			CWD:    dir,
			Branch: "main",
			Depth:  1,
		},
	}
}

type Options struct {
	CWD    string
	URL    string
	Branch string
	Token  string
	Depth  int
}

// Checkout clones the branch into the working directory and returns the
// commit checked out. When the directory already holds a clone, it is
// fetched and forced to the tip of the branch.
func (r *Repository) Checkout(ctx context.Context) (string, error) {
	summary := fmt.Sprintf("checkout %s@%s", r.Options.URL, r.Options.Branch)
	if r.Options.URL == "" {
		return "", exec.NewFailed(summary, 0, "", errors.New("repository URL is not set"))
	}

	var repo *gogit.Repository
	var err error
	if util.Exists(filepath.Join(r.Options.CWD, ".git")) {
		repo, err = r.update(ctx)
	} else {
		logrus.Infof("Cloning %s (branch %s) into %s", r.Options.URL, r.Options.Branch, r.Options.CWD)
		repo, err = gogit.PlainCloneContext(ctx, r.Options.CWD, false, &gogit.CloneOptions{
			URL:           r.Options.URL,
			ReferenceName: plumbing.NewBranchReferenceName(r.Options.Branch),
			SingleBranch:  true,
			Depth:         r.Options.Depth,
			Auth:          r.auth(),
		})
	}
	if err != nil {
		return "", Classify(summary, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", exec.NewFailed(summary, 0, "", fmt.Errorf("reading HEAD: %w", err))
	}
	return head.Hash().String(), nil
}

func (r *Repository) update(ctx context.Context) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(r.Options.CWD)
	if err != nil {
		return nil, fmt.Errorf("opening git repo at %s: %w", r.Options.CWD, err)
	}
	remoteRef := plumbing.NewRemoteReferenceName(defaultRemote, r.Options.Branch)
	logrus.Infof("Reusing clone in %s, fetching %s", r.Options.CWD, r.Options.Branch)
	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: defaultRemote,
		RefSpecs: []config.RefSpec{config.RefSpec(
			fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(r.Options.Branch), remoteRef),
		)},
		Depth: r.Options.Depth,
		Auth:  r.auth(),
		Force: true,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetching %s: %w", r.Options.Branch, err)
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", remoteRef, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: ref.Hash(), Force: true}); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", ref.Hash(), err)
	}
	return repo, nil
}

func (r *Repository) auth() transport.AuthMethod {
	if r.Options.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: tokenUser, Password: r.Options.Token}
}

// Classify turns a git error into an execution error. Rejected credentials
// and missing repositories or branches are permanent.
func Classify(summary string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exec.Classify(summary, err)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return exec.NewPermanentNetwork(summary, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		strings.Contains(err.Error(), "couldn't find remote ref"):
		return exec.NewFailed(summary, 0, "", err)
	}
	return exec.NewNetwork(summary, err)
}

// SourceURL returns the repository URL
func (r *Repository) SourceURL() (string, error) {
	if !util.Exists(filepath.Join(r.Options.CWD, "/.git")) {
		logrus.Debugf("Directory %s is not a git repository", r.Options.CWD)
		return "", nil
	}

	repo, err := gogit.PlainOpen(r.Options.CWD)
	if err != nil {
		return "", fmt.Errorf("opening git repo at %s: %w", r.Options.CWD, err)
	}

	remote, err := repo.Remote(defaultRemote)
	if err != nil {
		return "", fmt.Errorf("getting repository remote: %w", err)
	}

	if len(remote.Config().URLs) == 0 {
		return "", errors.New("repo remote does not have URLs")
	}

	return remote.Config().URLs[0], nil
}
