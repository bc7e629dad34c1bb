package util

import "strings"

// ShortSHA returns the first seven characters of a commit hash, the same
// length git rev-parse --short defaults to.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// RepoNameFromURL extracts the bare repository name from a clone URL,
// e.g. "https://github.com/haatos/pushdeploy.git" -> "pushdeploy".
func RepoNameFromURL(repoURL string) string {
	name := repoURL[strings.LastIndex(repoURL, "/")+1:]
	return strings.TrimSuffix(name, ".git")
}
