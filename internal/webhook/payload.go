package webhook

import "strings"

// Headers carries the three transport fields required on every notification.
type Headers struct {
	Signature string
	Event     string
	Delivery  string
}

type pushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		Name          string `json:"name"`
		DefaultBranch string `json:"default_branch"`
		Owner         struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Commits []commitPayload `json:"commits"`
}

type commitPayload struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

type installationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
}

func (p pushPayload) ownerLogin() string {
	if p.Repository.Owner.Login != "" {
		return p.Repository.Owner.Login
	}
	return p.Repository.Owner.Name
}

// pushedBranch strips the refs/heads/ prefix; an unrecognized ref (tags and
// the like) yields an empty branch which never matches the default.
func (p pushPayload) pushedBranch() string {
	const prefix = "refs/heads/"
	if !strings.HasPrefix(p.Ref, prefix) {
		return ""
	}
	return p.Ref[len(prefix):]
}

// changedAndRemoved flattens every commit into deduplicated changed
// (added plus modified) and removed path sets. A path both changed and
// removed across the push resolves to removed, matching the file's final
// state.
func (p pushPayload) changedAndRemoved() (changed, removed []string) {
	changedSet := make(map[string]struct{})
	removedSet := make(map[string]struct{})
	for _, commit := range p.Commits {
		for _, path := range commit.Added {
			changedSet[path] = struct{}{}
			delete(removedSet, path)
		}
		for _, path := range commit.Modified {
			changedSet[path] = struct{}{}
			delete(removedSet, path)
		}
		for _, path := range commit.Removed {
			removedSet[path] = struct{}{}
			delete(changedSet, path)
		}
	}
	for path := range changedSet {
		changed = append(changed, path)
	}
	for path := range removedSet {
		removed = append(removed, path)
	}
	return changed, removed
}
