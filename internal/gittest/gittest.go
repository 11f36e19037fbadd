// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Repo is a non-bare repository under t.TempDir() that tests commit to
type Repo struct {
	Path string

	t    *testing.T
	repo *gogit.Repository
	when time.Time
}

var signature = object.Signature{Name: "Test User", Email: "test@example.com"}

// New initialises a repository on master with one commit adding README
func New(t *testing.T) *Repo {
	t.Helper()

	path := filepath.Join(t.TempDir(), "origin")
	repo, err := gogit.PlainInit(path, false)
	if err != nil {
		t.Fatalf("init repository: %v", err)
	}
	// PlainInit points HEAD at master; make it explicit for newer go-git defaults
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.Master)
	if err := repo.Storer.SetReference(head); err != nil {
		t.Fatalf("set HEAD: %v", err)
	}

	r := &Repo{Path: path, t: t, repo: repo, when: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.Commit("README", "hello\n", "Initial commit")
	return r
}

// URL is what a cache clones from
func (r *Repo) URL() string {
	return r.Path
}

// Commit writes file with content on the checked-out branch and commits it
func (r *Repo) Commit(file, content, message string) string {
	r.t.Helper()

	if err := os.MkdirAll(filepath.Dir(filepath.Join(r.Path, file)), 0750); err != nil {
		r.t.Fatalf("mkdir for %s: %v", file, err)
	}
	if err := os.WriteFile(filepath.Join(r.Path, file), []byte(content), 0644); err != nil {
		r.t.Fatalf("write %s: %v", file, err)
	}

	wt := r.worktree()
	if _, err := wt.Add(file); err != nil {
		r.t.Fatalf("add %s: %v", file, err)
	}

	// Distinct timestamps keep commit hashes distinct for identical trees
	r.when = r.when.Add(time.Minute)
	sig := signature
	sig.When = r.when
	hash, err := wt.Commit(message, &gogit.CommitOptions{Author: &sig, Committer: &sig})
	if err != nil {
		r.t.Fatalf("commit %s: %v", file, err)
	}
	return hash.String()
}

// Branch creates name at HEAD and checks it out
func (r *Repo) Branch(name string) {
	r.t.Helper()

	wt := r.worktree()
	err := wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	})
	if err != nil {
		r.t.Fatalf("create branch %s: %v", name, err)
	}
}

// Checkout switches to an existing branch
func (r *Repo) Checkout(name string) {
	r.t.Helper()

	err := r.worktree().Checkout(&gogit.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
	if err != nil {
		r.t.Fatalf("checkout %s: %v", name, err)
	}
}

// Tag creates a lightweight tag, or an annotated one when annotated is set, at HEAD
func (r *Repo) Tag(name string, annotated bool) {
	r.t.Helper()

	head := r.Head()
	var opts *gogit.CreateTagOptions
	if annotated {
		sig := signature
		sig.When = r.when
		opts = &gogit.CreateTagOptions{Tagger: &sig, Message: "release " + name}
	}
	if _, err := r.repo.CreateTag(name, plumbing.NewHash(head), opts); err != nil {
		r.t.Fatalf("tag %s: %v", name, err)
	}
}

// Head returns the commit the checked-out branch points at
func (r *Repo) Head() string {
	r.t.Helper()

	ref, err := r.repo.Head()
	if err != nil {
		r.t.Fatalf("resolve HEAD: %v", err)
	}
	return ref.Hash().String()
}

// DeleteBranch removes a local branch
func (r *Repo) DeleteBranch(name string) {
	r.t.Helper()

	if err := r.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name)); err != nil {
		r.t.Fatalf("delete branch %s: %v", name, err)
	}
	_ = r.repo.DeleteBranch(name)
}

func (r *Repo) worktree() *gogit.Worktree {
	r.t.Helper()

	wt, err := r.repo.Worktree()
	if err != nil {
		r.t.Fatalf("worktree: %v", err)
	}
	return wt
}
