package store

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CheckMailboxName returns the normalized form of name, or an error if the
// name is not acceptable: empty, not unicode-normalized, leading/trailing or
// double slashes, control characters, or a leading #.
//
// Mailbox hierarchies are slash separated, without leading slash. Casings of
// "inbox" are canonicalized to "Inbox", also for submailboxes.
func CheckMailboxName(name string, allowInbox bool) (string, error) {
	first := strings.SplitN(name, "/", 2)[0]
	if strings.EqualFold(first, "inbox") {
		if len(name) == len("inbox") && !allowInbox {
			return "", fmt.Errorf("special mailbox name Inbox not allowed")
		}
		name = "Inbox" + name[len("Inbox"):]
	}

	if norm.NFC.String(name) != name {
		return "", fmt.Errorf("non-unicode-normalized mailbox names not allowed")
	}

	if name == "" {
		return "", fmt.Errorf("empty mailbox name")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.Contains(name, "//") {
		return "", fmt.Errorf("bad slashes in mailbox name")
	}
	if strings.HasPrefix(name, "#") {
		return "", fmt.Errorf("mailbox name cannot start with hash due to special use in imap")
	}
	for _, c := range name {
		switch c {
		case '%', '*':
			return "", fmt.Errorf("character %c not allowed in mailbox name", c)
		}
		if c <= 0x1f || c >= 0x7f && c <= 0x9f || c == 0x2028 || c == 0x2029 {
			return "", fmt.Errorf("control characters not allowed in mailbox name")
		}
	}
	return name, nil
}
