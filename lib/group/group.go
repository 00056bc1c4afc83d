// Package group implements group creation and client-state management
// (spec.md §4.5): building a new single-member group whose first
// group-context extension is always the group-data blob, locating that
// extension back out of a live state, and serializing/deserializing state
// through lib/mls's Engine.
package group

import (
	"fmt"

	"github.com/HORNET-Storage/nostr-mls/lib/groupdata"
	"github.com/HORNET-Storage/nostr-mls/lib/logging"
	"github.com/HORNET-Storage/nostr-mls/lib/mls"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// Create builds a new single-member group owned by creatorKp/creatorPriv.
// data is encoded and placed as the group-context extension list's first
// entry, per spec.md §4.5 ("always contains the group-data extension
// first"); the MLS group id is data.GroupID.
func Create(engine mls.Engine, creatorKp *mls.KeyPackage, creatorPriv *mls.PrivateKeyPackage, data *groupdata.Data, extra []mls.Extension) (mls.GroupState, error) {
	groupDataExt := mls.Extension{Type: mls.GroupDataExtensionType, Data: groupdata.Encode(data)}
	extensions := append([]mls.Extension{groupDataExt}, extra...)

	state, err := engine.CreateGroup(data.GroupID[:], creatorKp, creatorPriv, extensions)
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	return state, nil
}

// ExtractGroupData locates the first context extension of type 0xf2ee in
// state and decodes it. Per spec.md §4.5 it returns nil on absence or
// decode failure rather than propagating an error, logging the latter.
func ExtractGroupData(state mls.GroupState) *groupdata.Data {
	for _, ext := range state.Extensions() {
		if ext.Type != mls.GroupDataExtensionType {
			continue
		}
		data, err := groupdata.Decode(ext.Data)
		if err != nil {
			logging.Warn("group data extension present but undecodable", map[string]interface{}{"error": err.Error()})
			return nil
		}
		return data
	}
	return nil
}

// GroupID, Epoch, and MemberCount are thin accessors mirroring spec.md
// §4.5's "Accessors: groupId, epoch, memberCount".
func GroupID(state mls.GroupState) []byte  { return state.GroupID() }
func Epoch(state mls.GroupState) uint64    { return state.Epoch() }
func MemberCount(state mls.GroupState) int { return state.MemberCount() }

// Serialize produces the opaque bytes persisted through a client-state
// store.
func Serialize(state mls.GroupState) ([]byte, error) {
	data, err := state.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize group state: %w", err)
	}
	return data, nil
}

// Deserialize restores a group state from bytes, surfacing decode failures
// as the typed corrupted-state error spec.md §4.5 requires.
func Deserialize(engine mls.Engine, data []byte) (mls.GroupState, error) {
	state, err := engine.DeserializeGroupState(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mlserrors.ErrCorruptedState, err)
	}
	return state, nil
}
