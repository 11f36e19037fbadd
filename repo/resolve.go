package repo

import (
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/teranos/rollout/errors"
)

// Resolve maps ref to a commit in a workspace clone. Precedence: full
// commit SHA, branch of origin, tag, abbreviated commit SHA. Annotated tags
// are peeled to their commit.
func Resolve(repo *gogit.Repository, ref string) (plumbing.Hash, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return plumbing.ZeroHash, errors.Wrap(errors.ErrInvalidRequest, "empty reference")
	}

	if hash, ok := resolveFullSHA(repo, ref); ok {
		return hash, nil
	}

	if r, err := repo.Reference(plumbing.NewRemoteReferenceName(gogit.DefaultRemoteName, ref), true); err == nil {
		if hash, ok := peel(repo, r.Hash()); ok {
			return hash, nil
		}
	}

	if r, err := repo.Reference(plumbing.NewTagReferenceName(ref), true); err == nil {
		if hash, ok := peel(repo, r.Hash()); ok {
			return hash, nil
		}
	}

	if hash, ok := resolveAbbreviatedSHA(repo, ref); ok {
		return hash, nil
	}

	return plumbing.ZeroHash, errors.Wrapf(errors.ErrRefNotFound, "%q", ref)
}

func resolveFullSHA(repo *gogit.Repository, ref string) (plumbing.Hash, bool) {
	if len(ref) != 40 || !isHex(ref) {
		return plumbing.ZeroHash, false
	}
	hash := plumbing.NewHash(strings.ToLower(ref))
	if _, err := repo.CommitObject(hash); err != nil {
		return plumbing.ZeroHash, false
	}
	return hash, true
}

func resolveAbbreviatedSHA(repo *gogit.Repository, ref string) (plumbing.Hash, bool) {
	if len(ref) < 4 || len(ref) >= 40 || !isHex(ref) {
		return plumbing.ZeroHash, false
	}
	ref = strings.ToLower(ref)

	// ResolveRevision also matches branch and tag names, so insist on a prefix match
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil || !strings.HasPrefix(hash.String(), ref) {
		return plumbing.ZeroHash, false
	}
	if _, err := repo.CommitObject(*hash); err != nil {
		return plumbing.ZeroHash, false
	}
	return *hash, true
}

// peel follows annotated tags down to the commit they point at
func peel(repo *gogit.Repository, hash plumbing.Hash) (plumbing.Hash, bool) {
	for i := 0; i < 10; i++ {
		tag, err := repo.TagObject(hash)
		if err != nil {
			break
		}
		hash = tag.Target
	}
	if _, err := repo.CommitObject(hash); err != nil {
		return plumbing.ZeroHash, false
	}
	return hash, true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
