// Package mls defines the contract of the "cipher-suite implementation"
// spec.md §1/§6 names as an external collaborator: key-package generation,
// group creation, commit/proposal processing, joining from welcome, and
// the MLS exporter. The rest of the module (lib/group, lib/keypackage,
// lib/message, lib/ingest, lib/welcome) depends only on the Engine
// interface here, the way the teacher's handlers depend on stores.Store
// rather than a concrete backend.
//
// DefaultEngine, in engine.go, is this module's grounded default
// implementation, built from real cryptographic primitives
// (golang.org/x/crypto's hkdf/chacha20poly1305, crypto/ed25519) rather than
// a hand-rolled cipher. A consuming application may substitute any other
// Engine without touching the packages above.
package mls

import "fmt"

// Suite identifies an MLS cipher suite by its RFC 9420 numeric id.
type Suite uint16

// Suite1 is the cipher suite spec.md §4.4 names as the only one required
// in the current protocol version: X25519/AES-128-GCM/SHA-256/Ed25519.
const Suite1 Suite = 0x0001

// ExtensionType identifies an MLS extension by its RFC 9420 numeric id.
type ExtensionType uint16

const (
	// GroupDataExtensionType is the group-data extension this module owns
	// (lib/groupdata).
	GroupDataExtensionType ExtensionType = 0xf2ee
	// LastResortExtensionType marks a key package as reusable, delegated
	// entirely to the Engine.
	LastResortExtensionType ExtensionType = 0x000a
)

// IsGrease reports whether t is one of the reserved GREASE extension types
// RFC 9420 §17.2 assigns: a grease value's high and low bytes are equal
// (0x0A0A, 0x1A1A, ... 0xFAFA).
func IsGrease(t ExtensionType) bool {
	return byte(t>>8) == byte(t) && t&0x0F0F == 0x0A0A
}

// CredentialType mirrors credential.CredentialType without importing that
// package, to keep lib/mls free of a dependency on the packages built atop
// it.
type CredentialType uint16

const CredentialTypeBasic CredentialType = 1

// Credential is the leaf-node credential carried by a key package.
type Credential struct {
	Type     CredentialType
	Identity []byte
}

// Capabilities is the declared capability set of a leaf node.
type Capabilities struct {
	Versions     []uint16
	Ciphersuites []Suite
	Extensions   []ExtensionType
}

// Lifetime is a key package's validity window, in Unix seconds.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

// Extension is a single typed, opaque MLS extension.
type Extension struct {
	Type ExtensionType
	Data []byte
}

// KeyPackage is the public part of an MLS key package.
type KeyPackage struct {
	CipherSuite  Suite
	Credential   Credential
	Capabilities Capabilities
	Lifetime     Lifetime
	Extensions   []Extension
	Raw          []byte // the encoded public key package: Engine.EncodeKeyPackage's output followed by the engine's signature and init public keys
}

// PrivateKeyPackage is the private part of an MLS key package: the init
// private key and leaf private key. It never leaves custody except via
// explicit lookup.
type PrivateKeyPackage struct {
	InitPrivate []byte
	LeafPrivate []byte
	SigPrivate  []byte
	Raw         []byte
}

// Welcome is the MLS artifact produced alongside a commit admitting new
// members.
type Welcome struct {
	Raw           []byte
	KeyPackageRef []byte
}

// MessageType classifies a decrypted MLS message's content.
type MessageType int

const (
	MessageApplication MessageType = iota
	MessageProposal
	MessageCommit
)

// GroupState is the full MLS state of a group, as maintained by the
// Engine. Implementations are opaque; callers interact with it only
// through the accessors below and by passing it back into Engine calls.
type GroupState interface {
	GroupID() []byte
	Epoch() uint64
	MemberCount() int
	Extensions() []Extension
	// LeafCredential resolves the credential of the leaf that authored a
	// just-processed message, used by the admin-policy callback. It
	// returns an error if the leaf index cannot be resolved (e.g. a
	// blank/removed leaf).
	LeafCredential(leafIndex uint32) (*Credential, error)
	// Serialize produces the opaque bytes persisted through the group
	// state store.
	Serialize() ([]byte, error)
}

// AdminDecision is returned by an AdminCallback to accept or reject a
// commit.
type AdminDecision struct {
	Accept bool
	Reason error
}

// AdminCallback inspects the sender leaf of a commit being processed and
// decides whether to accept it (lib/admin implements this against the
// group-data extension's admin list).
type AdminCallback func(senderLeaf uint32, state GroupState) AdminDecision

// Engine is the cipher-suite implementation's contract.
type Engine interface {
	// GenerateKeyPackage creates a full key package for cred under suite,
	// with the given extensions merged into the leaf's declared
	// capabilities and extension list, valid for lifetimeSeconds from now.
	GenerateKeyPackage(cred Credential, suite Suite, lifetimeSeconds uint64, extensions []Extension) (*KeyPackage, *PrivateKeyPackage, error)

	// KeyPackageRef computes the deterministic reference hash of kp's
	// encoding.
	KeyPackageRef(kp *KeyPackage) ([]byte, error)

	// EncodeKeyPackage/DecodeKeyPackage (de)serialize a public key package.
	EncodeKeyPackage(kp *KeyPackage) []byte
	DecodeKeyPackage(data []byte) (*KeyPackage, error)

	// CreateGroup creates a new single-member group with creatorKp/priv as
	// its sole member, and extensions (always including the group-data
	// extension first) as the initial group-context extensions. groupID is
	// the 32-byte network group id used as the MLS group id.
	CreateGroup(groupID []byte, creatorKp *KeyPackage, creatorPriv *PrivateKeyPackage, extensions []Extension) (GroupState, error)

	// CreateAddProposal/CreateRemoveProposal build a pending proposal
	// against state, to be bundled by the next CreateCommit.
	CreateAddProposal(state GroupState, kp *KeyPackage) ([]byte, error)
	CreateRemoveProposal(state GroupState, leafIndex uint32) ([]byte, error)

	// SignProposal wraps a proposal built by CreateAddProposal/
	// CreateRemoveProposal in state owner's signed-message envelope, so it
	// can be published and processed standalone by other members via
	// ProcessIncomingMessage.
	SignProposal(state GroupState, proposal []byte) ([]byte, error)

	// SignApplication wraps application data in state owner's
	// signed-message envelope for transmission to the group.
	SignApplication(state GroupState, payload []byte) ([]byte, error)

	// CreateCommit bundles state's pending proposals plus extraProposals
	// into a commit, advancing state by one epoch. It returns the new
	// state, the encoded commit message, and one Welcome per newly added
	// member.
	CreateCommit(state GroupState, extraProposals [][]byte) (newState GroupState, commitMsg []byte, welcomes []Welcome, err error)

	// PeekMessageType reports the content type of a signed message produced
	// by SignProposal/SignApplication/CreateCommit without verifying its
	// signature or applying it to any state. lib/ingest uses this to
	// classify a decrypted batch before committing to an application order,
	// per spec.md §4.7's "Classify" step preceding "Deterministic commit
	// ordering".
	PeekMessageType(raw []byte) (MessageType, error)

	// ProcessIncomingMessage decrypts and classifies raw (an MLS
	// application/proposal/commit message). For commits, admin is invoked
	// with the sender leaf before the commit is applied; a rejecting
	// decision leaves state unchanged and returns MessageCommit with a nil
	// newState.
	ProcessIncomingMessage(state GroupState, raw []byte, admin AdminCallback) (newState GroupState, msgType MessageType, appData []byte, err error)

	// JoinGroup processes a welcome using the recipient's key package and
	// private key package, producing the joined group's state.
	JoinGroup(welcome Welcome, kp *KeyPackage, priv *PrivateKeyPackage) (GroupState, error)

	// DecodeWelcome/EncodeWelcome (de)serialize a Welcome.
	DecodeWelcome(data []byte) (Welcome, error)
	EncodeWelcome(w Welcome) []byte

	// Exporter derives length bytes from state's current exporter secret
	// under label/context, per RFC 9420 §8.5.
	Exporter(state GroupState, label string, context []byte, length int) ([]byte, error)

	// DeserializeGroupState restores a GroupState from bytes produced by
	// GroupState.Serialize.
	DeserializeGroupState(data []byte) (GroupState, error)
}

// ErrLeafNotResolved is returned by GroupState.LeafCredential when the leaf
// index does not correspond to an occupied leaf.
var ErrLeafNotResolved = fmt.Errorf("leaf index does not resolve to a credential")
