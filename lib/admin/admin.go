// Package admin implements the admin policy spec.md §4.8 names: only
// leaves whose credential identity appears in the group-data admin list may
// author a commit. It produces an mls.AdminCallback, the shape lib/mls's
// Engine threads through commit processing.
package admin

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/HORNET-Storage/nostr-mls/lib/credential"
	"github.com/HORNET-Storage/nostr-mls/lib/group"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/types"
)

// Callback builds an mls.AdminCallback enforcing the admin-list policy.
// onUnverifiable controls the decision when the sender leaf's credential
// cannot be resolved; spec.md §4.8's default is types.UnverifiableReject.
func Callback(onUnverifiable types.UnverifiableCommitPolicy) mls.AdminCallback {
	return func(senderLeaf uint32, state mls.GroupState) mls.AdminDecision {
		cred, err := state.LeafCredential(senderLeaf)
		if err != nil {
			if onUnverifiable == types.UnverifiableAccept {
				return mls.AdminDecision{Accept: true}
			}
			return mls.AdminDecision{Accept: false, Reason: err}
		}

		identity, err := toCredentialIdentity(cred)
		if err != nil {
			return mls.AdminDecision{Accept: false, Reason: err}
		}

		data := group.ExtractGroupData(state)
		if data == nil {
			return mls.AdminDecision{Accept: false, Reason: errNoGroupData}
		}

		if !isAdmin(identity, data.AdminPubkeys) {
			return mls.AdminDecision{Accept: false, Reason: errNotAdmin}
		}
		return mls.AdminDecision{Accept: true}
	}
}

var (
	errNoGroupData = fmt.Errorf("group has no group-data extension, cannot evaluate admin policy")
	errNotAdmin    = fmt.Errorf("sender leaf's credential identity is not in the admin list")
)

func toCredentialIdentity(cred *mls.Credential) (string, error) {
	c, err := credential.Create(cred.Identity)
	if err != nil {
		return "", err
	}
	identity, err := credential.Pubkey(c)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(identity), nil
}

// isAdmin reports whether identityHex (lowercase hex) appears in admins,
// matching case-insensitively per spec.md §4.2's "IsAdmin" rule.
func isAdmin(identityHex string, admins []string) bool {
	for _, a := range admins {
		if strings.EqualFold(a, identityHex) {
			return true
		}
	}
	return false
}
