package mls

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/HORNET-Storage/nostr-mls/lib/encoding"
	"github.com/HORNET-Storage/nostr-mls/lib/mlserrors"
)

// DefaultEngine is this module's grounded Engine implementation. It
// provides MLS-shaped semantics (epoch-chained secrets, signed leaf
// proposals/commits, HPKE-style welcome encryption to a joiner's init key)
// using real primitives rather than a full RFC 9420 ratchet-tree path
// update, which is out of scope for the core this module implements
// (spec.md §1 treats "the MLS cipher-suite implementation" as an external
// collaborator; this is the pluggable default behind that boundary).
type DefaultEngine struct{}

// NewDefaultEngine constructs the default Engine.
func NewDefaultEngine() *DefaultEngine {
	return &DefaultEngine{}
}

type member struct {
	credential Credential
	sigPub     ed25519.PublicKey
	initPub    []byte
	occupied   bool
}

type groupState struct {
	groupID      []byte
	epoch        uint64
	epochSecret  []byte
	extensions   []Extension
	members      []member
	ownLeafIndex uint32
	ownSigPriv   ed25519.PrivateKey
	pending      [][]byte
}

var _ GroupState = (*groupState)(nil)

func (g *groupState) GroupID() []byte       { return g.groupID }
func (g *groupState) Epoch() uint64         { return g.epoch }
func (g *groupState) Extensions() []Extension { return g.extensions }

func (g *groupState) MemberCount() int {
	n := 0
	for _, m := range g.members {
		if m.occupied {
			n++
		}
	}
	return n
}

func (g *groupState) LeafCredential(leafIndex uint32) (*Credential, error) {
	if int(leafIndex) >= len(g.members) || !g.members[leafIndex].occupied {
		return nil, ErrLeafNotResolved
	}
	c := g.members[leafIndex].credential
	return &c, nil
}

// --- key package encoding ---

func (e *DefaultEngine) EncodeKeyPackage(kp *KeyPackage) []byte {
	var buf []byte
	buf = encoding.WriteUint64(buf, uint64(kp.CipherSuite))
	buf = encoding.WriteUint64(buf, uint64(kp.Credential.Type))
	buf = encoding.WriteBytes(buf, kp.Credential.Identity)

	var versions []byte
	for _, v := range kp.Capabilities.Versions {
		versions = encoding.WriteUint64(versions, uint64(v))
	}
	buf = encoding.WriteBytes(buf, versions)

	var suites []byte
	for _, s := range kp.Capabilities.Ciphersuites {
		suites = encoding.WriteUint64(suites, uint64(s))
	}
	buf = encoding.WriteBytes(buf, suites)

	var capExt []byte
	for _, t := range kp.Capabilities.Extensions {
		capExt = encoding.WriteUint64(capExt, uint64(t))
	}
	buf = encoding.WriteBytes(buf, capExt)

	buf = encoding.WriteUint64(buf, kp.Lifetime.NotBefore)
	buf = encoding.WriteUint64(buf, kp.Lifetime.NotAfter)

	var extBuf []byte
	extBuf = encoding.WriteUint64(extBuf, uint64(len(kp.Extensions)))
	for _, ext := range kp.Extensions {
		extBuf = encoding.WriteUint64(extBuf, uint64(ext.Type))
		extBuf = encoding.WriteBytes(extBuf, ext.Data)
	}
	buf = append(buf, extBuf...)

	return buf
}

func (e *DefaultEngine) DecodeKeyPackage(data []byte) (*KeyPackage, error) {
	off := 0
	suite, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher suite: %v", mlserrors.ErrDecodeFailure, err)
	}
	credType, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: credential type: %v", mlserrors.ErrDecodeFailure, err)
	}
	identity, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: credential identity: %v", mlserrors.ErrDecodeFailure, err)
	}

	versionsRaw, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: versions: %v", mlserrors.ErrDecodeFailure, err)
	}
	versions, err := decodeUint16List(versionsRaw)
	if err != nil {
		return nil, err
	}

	suitesRaw, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphersuites: %v", mlserrors.ErrDecodeFailure, err)
	}
	suiteList, err := decodeUint16List(suitesRaw)
	if err != nil {
		return nil, err
	}

	capExtRaw, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: capability extensions: %v", mlserrors.ErrDecodeFailure, err)
	}
	capExtList, err := decodeUint16List(capExtRaw)
	if err != nil {
		return nil, err
	}

	notBefore, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: lifetime notBefore: %v", mlserrors.ErrDecodeFailure, err)
	}
	notAfter, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: lifetime notAfter: %v", mlserrors.ErrDecodeFailure, err)
	}

	count, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: extension count: %v", mlserrors.ErrDecodeFailure, err)
	}
	extensions := make([]Extension, 0, count)
	for i := uint64(0); i < count; i++ {
		t, next, err := encoding.ReadUint64(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: extension type: %v", mlserrors.ErrDecodeFailure, err)
		}
		off = next
		d, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: extension data: %v", mlserrors.ErrDecodeFailure, err)
		}
		off = next
		extensions = append(extensions, Extension{Type: ExtensionType(t), Data: d})
	}

	capVersions := make([]uint16, len(versions))
	copy(capVersions, versions)
	capSuites := make([]Suite, len(suiteList))
	for i, s := range suiteList {
		capSuites[i] = Suite(s)
	}
	capExtensions := make([]ExtensionType, len(capExtList))
	for i, t := range capExtList {
		capExtensions[i] = ExtensionType(t)
	}

	kp := &KeyPackage{
		CipherSuite: Suite(suite),
		Credential: Credential{
			Type:     CredentialType(credType),
			Identity: identity,
		},
		Capabilities: Capabilities{
			Versions:     capVersions,
			Ciphersuites: capSuites,
			Extensions:   capExtensions,
		},
		Lifetime: Lifetime{NotBefore: notBefore, NotAfter: notAfter},
		Extensions: extensions,
		Raw:        data,
	}
	return kp, nil
}

func decodeUint16List(raw []byte) ([]uint16, error) {
	var out []uint16
	off := 0
	for off < len(raw) {
		v, next, err := encoding.ReadUint64(raw, off)
		if err != nil {
			return nil, fmt.Errorf("%w: uint16 list: %v", mlserrors.ErrDecodeFailure, err)
		}
		out = append(out, uint16(v))
		off = next
	}
	return out, nil
}

// keyPackageKeys carries the key package's signature and init public keys
// (sigPub/initPub), which the engine appends to KeyPackage.Raw after the
// generic KeyPackage encoding above.
type keyPackageKeys struct {
	sigPub  ed25519.PublicKey
	initPub []byte
}

func appendKeyPackageKeys(raw []byte, k keyPackageKeys) []byte {
	raw = encoding.WriteBytes(raw, k.sigPub)
	raw = encoding.WriteBytes(raw, k.initPub)
	return raw
}

func readKeyPackageKeys(raw []byte, off int) (keyPackageKeys, int, error) {
	sigPub, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return keyPackageKeys{}, 0, err
	}
	initPub, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return keyPackageKeys{}, 0, err
	}
	return keyPackageKeys{sigPub: sigPub, initPub: initPub}, off, nil
}

// GenerateKeyPackage implements Engine.
func (e *DefaultEngine) GenerateKeyPackage(cred Credential, suite Suite, lifetimeSeconds uint64, extensions []Extension) (*KeyPackage, *PrivateKeyPackage, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate signature key: %w", err)
	}

	initPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(initPriv); err != nil {
		return nil, nil, fmt.Errorf("generate init key: %w", err)
	}
	initPub, err := curve25519.X25519(initPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive init public key: %w", err)
	}

	requiredExt := []ExtensionType{GroupDataExtensionType, LastResortExtensionType}
	capExtensions := mergeExtensionTypes(requiredExt, extensionTypesOf(extensions))

	kp := &KeyPackage{
		CipherSuite: suite,
		Credential:  cred,
		Capabilities: Capabilities{
			Versions:     []uint16{1},
			Ciphersuites: []Suite{suite},
			Extensions:   capExtensions,
		},
		Lifetime: Lifetime{
			NotBefore: nowUnix(),
			NotAfter:  nowUnix() + lifetimeSeconds,
		},
		Extensions: extensions,
	}
	raw := e.EncodeKeyPackage(kp)
	raw = appendKeyPackageKeys(raw, keyPackageKeys{sigPub: sigPub, initPub: initPub})
	kp.Raw = raw

	priv := &PrivateKeyPackage{
		InitPrivate: initPriv,
		LeafPrivate: []byte(sigPriv),
		SigPrivate:  []byte(sigPriv),
	}
	return kp, priv, nil
}

func (e *DefaultEngine) KeyPackageRef(kp *KeyPackage) ([]byte, error) {
	if kp.Raw == nil {
		return nil, fmt.Errorf("%w: key package has no encoding", mlserrors.ErrInvalidInput)
	}
	sum := sha256.Sum256(kp.Raw)
	return sum[:], nil
}

func mergeExtensionTypes(required, declared []ExtensionType) []ExtensionType {
	seen := map[ExtensionType]bool{}
	out := make([]ExtensionType, 0, len(required)+len(declared))
	for _, t := range required {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range declared {
		if IsGrease(t) {
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func extensionTypesOf(extensions []Extension) []ExtensionType {
	out := make([]ExtensionType, len(extensions))
	for i, e := range extensions {
		out[i] = e.Type
	}
	return out
}

// --- group creation ---

func (e *DefaultEngine) CreateGroup(groupID []byte, creatorKp *KeyPackage, creatorPriv *PrivateKeyPackage, extensions []Extension) (GroupState, error) {
	keys, _, err := readKeyPackageKeys(creatorKp.Raw, len(e.EncodeKeyPackage(creatorKp)))
	if err != nil {
		return nil, fmt.Errorf("%w: creator key package: %v", mlserrors.ErrInvalidInput, err)
	}

	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, fmt.Errorf("generate epoch secret: %w", err)
	}

	return &groupState{
		groupID:     append([]byte(nil), groupID...),
		epoch:       0,
		epochSecret: epochSecret,
		extensions:  extensions,
		members: []member{{
			credential: creatorKp.Credential,
			sigPub:     keys.sigPub,
			initPub:    keys.initPub,
			occupied:   true,
		}},
		ownLeafIndex: 0,
		ownSigPriv:   ed25519.PrivateKey(creatorPriv.SigPrivate),
	}, nil
}

// --- proposals ---

const (
	proposalAdd    byte = 1
	proposalRemove byte = 2
)

func encodeProposal(kind byte, payload []byte) []byte {
	buf := []byte{kind}
	return encoding.WriteBytes(buf, payload)
}

func decodeProposal(raw []byte) (byte, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("%w: empty proposal", mlserrors.ErrDecodeFailure)
	}
	kind := raw[0]
	payload, _, err := encoding.ReadBytes(raw, 1)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: proposal payload: %v", mlserrors.ErrDecodeFailure, err)
	}
	return kind, payload, nil
}

func (e *DefaultEngine) CreateAddProposal(state GroupState, kp *KeyPackage) ([]byte, error) {
	return encodeProposal(proposalAdd, kp.Raw), nil
}

func (e *DefaultEngine) CreateRemoveProposal(state GroupState, leafIndex uint32) ([]byte, error) {
	var payload []byte
	payload = encoding.WriteUint64(payload, uint64(leafIndex))
	return encodeProposal(proposalRemove, payload), nil
}

// --- commit ---

func (e *DefaultEngine) CreateCommit(stateIface GroupState, extraProposals [][]byte) (GroupState, []byte, []Welcome, error) {
	state, ok := stateIface.(*groupState)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: state not produced by this engine", mlserrors.ErrInvalidInput)
	}

	allProposals := append(append([][]byte{}, state.pending...), extraProposals...)

	next := cloneState(state)
	next.pending = nil

	welcomes, err := applyProposalsToState(e, next, allProposals)
	if err != nil {
		return nil, nil, nil, err
	}

	commitContentHash := sha256.Sum256(flattenProposals(allProposals))
	next.epoch = state.epoch + 1
	next.epochSecret = advanceEpochSecret(state.epochSecret, next.epoch, commitContentHash[:])

	// Fill in welcomes' epoch-dependent payload now that next.epoch/epochSecret are final.
	for i := range welcomes {
		if err := finalizeWelcomePayload(next, &welcomes[i]); err != nil {
			return nil, nil, nil, err
		}
	}

	// The commit's wire payload carries the full proposal list, not just a
	// hash of it, so any group member can apply the commit directly off
	// the wire without having separately ingested each proposal as a
	// standalone kind-445 event beforehand.
	msg := buildSignedMessage(msgKindCommit, state.ownLeafIndex, encodeProposalList(allProposals), state.ownSigPriv)

	return next, msg, welcomes, nil
}

func cloneState(s *groupState) *groupState {
	members := make([]member, len(s.members))
	copy(members, s.members)
	return &groupState{
		groupID:      s.groupID,
		epoch:        s.epoch,
		epochSecret:  s.epochSecret,
		extensions:   s.extensions,
		members:      members,
		ownLeafIndex: s.ownLeafIndex,
		ownSigPriv:   s.ownSigPriv,
	}
}

func flattenProposals(proposals [][]byte) []byte {
	var buf []byte
	for _, p := range proposals {
		buf = encoding.WriteBytes(buf, p)
	}
	return buf
}

// encodeProposalList serializes a commit's full proposal set as the
// commit message's payload, so any group member can apply the commit
// directly off the wire rather than needing to have separately ingested
// each proposal as a standalone kind-445 event beforehand.
func encodeProposalList(proposals [][]byte) []byte {
	buf := encoding.WriteUint64(nil, uint64(len(proposals)))
	for _, p := range proposals {
		buf = encoding.WriteBytes(buf, p)
	}
	return buf
}

func decodeProposalList(payload []byte) ([][]byte, error) {
	count, off, err := encoding.ReadUint64(payload, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: proposal list count: %v", mlserrors.ErrDecodeFailure, err)
	}
	proposals := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		var p []byte
		p, off, err = encoding.ReadBytes(payload, off)
		if err != nil {
			return nil, fmt.Errorf("%w: proposal list entry %d: %v", mlserrors.ErrDecodeFailure, i, err)
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

// applyProposalsToState folds each proposal in order into next, mutating
// its member list. Used both by the committer (CreateCommit) and by every
// other recipient processing the resulting commit message, so the two
// sides of a commit always derive identical post-commit state from the
// same proposal bytes.
func applyProposalsToState(e *DefaultEngine, next *groupState, proposals [][]byte) ([]Welcome, error) {
	var welcomes []Welcome
	for _, raw := range proposals {
		kind, payload, err := decodeProposal(raw)
		if err != nil {
			return nil, err
		}
		switch kind {
		case proposalAdd:
			kp, err := e.DecodeKeyPackage(payload)
			if err != nil {
				return nil, fmt.Errorf("%w: add proposal key package: %v", mlserrors.ErrDecodeFailure, err)
			}
			keys, _, err := readKeyPackageKeys(payload, len(e.EncodeKeyPackage(kp)))
			if err != nil {
				return nil, fmt.Errorf("%w: add proposal key package keys: %v", mlserrors.ErrDecodeFailure, err)
			}
			leafIndex := uint32(len(next.members))
			next.members = append(next.members, member{
				credential: kp.Credential,
				sigPub:     keys.sigPub,
				initPub:    keys.initPub,
				occupied:   true,
			})

			w, err := buildWelcome(next, leafIndex, keys.initPub)
			if err != nil {
				return nil, err
			}
			ref, err := e.KeyPackageRef(kp)
			if err != nil {
				return nil, err
			}
			w.KeyPackageRef = ref
			welcomes = append(welcomes, w)

		case proposalRemove:
			idx, _, err := encoding.ReadUint64(payload, 0)
			if err != nil {
				return nil, fmt.Errorf("%w: remove proposal: %v", mlserrors.ErrDecodeFailure, err)
			}
			if int(idx) >= len(next.members) {
				return nil, fmt.Errorf("%w: remove proposal targets unknown leaf %d", mlserrors.ErrOrderingFailure, idx)
			}
			next.members[idx].occupied = false

		default:
			return nil, fmt.Errorf("%w: unknown proposal kind %d", mlserrors.ErrDecodeFailure, kind)
		}
	}
	return welcomes, nil
}

func advanceEpochSecret(old []byte, epoch uint64, commitHash []byte) []byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	info := append(append([]byte("nostr-mls-epoch"), epochBytes[:]...), commitHash...)
	r := hkdf.New(sha256.New, old, nil, info)
	out := make([]byte, 32)
	if _, err := fillFromReader(r, out); err != nil {
		panic(fmt.Sprintf("hkdf epoch advance: %v", err))
	}
	return out
}

func fillFromReader(r interface{ Read([]byte) (int, error) }, out []byte) (int, error) {
	total := 0
	for total < len(out) {
		n, err := r.Read(out[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read")
		}
	}
	return total, nil
}

// --- welcome construction ---

// welcomePayload is the plaintext a Welcome carries once decrypted.
type welcomePayload struct {
	groupID     []byte
	epoch       uint64
	epochSecret []byte
	extensions  []Extension
	members     []member
	leafIndex   uint32
}

func encodeWelcomePayload(p *welcomePayload) []byte {
	var buf []byte
	buf = encoding.WriteBytes(buf, p.groupID)
	buf = encoding.WriteUint64(buf, p.epoch)
	buf = encoding.WriteBytes(buf, p.epochSecret)
	buf = encoding.WriteUint64(buf, uint64(p.leafIndex))

	var extBuf []byte
	extBuf = encoding.WriteUint64(extBuf, uint64(len(p.extensions)))
	for _, ext := range p.extensions {
		extBuf = encoding.WriteUint64(extBuf, uint64(ext.Type))
		extBuf = encoding.WriteBytes(extBuf, ext.Data)
	}
	buf = append(buf, extBuf...)

	buf = encoding.WriteUint64(buf, uint64(len(p.members)))
	for _, m := range p.members {
		occupied := uint64(0)
		if m.occupied {
			occupied = 1
		}
		buf = encoding.WriteUint64(buf, occupied)
		buf = encoding.WriteUint64(buf, uint64(m.credential.Type))
		buf = encoding.WriteBytes(buf, m.credential.Identity)
		buf = encoding.WriteBytes(buf, m.sigPub)
		buf = encoding.WriteBytes(buf, m.initPub)
	}
	return buf
}

func decodeWelcomePayload(raw []byte) (*welcomePayload, error) {
	off := 0
	groupID, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, err
	}
	epoch, off, err := encoding.ReadUint64(raw, off)
	if err != nil {
		return nil, err
	}
	epochSecret, off, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, err
	}
	leafIndex, off, err := encoding.ReadUint64(raw, off)
	if err != nil {
		return nil, err
	}

	extCount, off, err := encoding.ReadUint64(raw, off)
	if err != nil {
		return nil, err
	}
	extensions := make([]Extension, 0, extCount)
	for i := uint64(0); i < extCount; i++ {
		t, next, err := encoding.ReadUint64(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		d, next, err := encoding.ReadBytes(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		extensions = append(extensions, Extension{Type: ExtensionType(t), Data: d})
	}

	memberCount, off, err := encoding.ReadUint64(raw, off)
	if err != nil {
		return nil, err
	}
	members := make([]member, 0, memberCount)
	for i := uint64(0); i < memberCount; i++ {
		occupied, next, err := encoding.ReadUint64(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		credType, next, err := encoding.ReadUint64(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		identity, next, err := encoding.ReadBytes(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		sigPub, next, err := encoding.ReadBytes(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		initPub, next, err := encoding.ReadBytes(raw, off)
		if err != nil {
			return nil, err
		}
		off = next
		members = append(members, member{
			credential: Credential{Type: CredentialType(credType), Identity: identity},
			sigPub:     sigPub,
			initPub:    initPub,
			occupied:   occupied == 1,
		})
	}

	return &welcomePayload{
		groupID:     groupID,
		epoch:       epoch,
		epochSecret: epochSecret,
		extensions:  extensions,
		members:     members,
		leafIndex:   uint32(leafIndex),
	}, nil
}

// buildWelcome pre-allocates a Welcome for the member at leafIndex; its
// epoch-dependent payload is filled in once the commit's new epoch secret
// is known, by finalizeWelcomePayload.
func buildWelcome(next *groupState, leafIndex uint32, joinerInitPub []byte) (Welcome, error) {
	return Welcome{Raw: joinerInitPub}, nil
}

// finalizeWelcomePayload encrypts the welcome payload to the joiner's init
// key using an X25519 ECDH + HKDF + ChaCha20-Poly1305 construction: a
// reduced HPKE, the same shape RFC 9420 uses to protect a Welcome's
// per-recipient secrets.
func finalizeWelcomePayload(next *groupState, w *Welcome) error {
	joinerInitPub := w.Raw
	leafIndex, err := findMemberByInitPub(next, joinerInitPub)
	if err != nil {
		return err
	}

	payload := encodeWelcomePayload(&welcomePayload{
		groupID:     next.groupID,
		epoch:       next.epoch,
		epochSecret: next.epochSecret,
		extensions:  next.extensions,
		members:     next.members,
		leafIndex:   leafIndex,
	})

	ephemeralPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephemeralPriv); err != nil {
		return fmt.Errorf("generate ephemeral welcome key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("derive ephemeral welcome key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPriv, joinerInitPub)
	if err != nil {
		return fmt.Errorf("welcome ecdh: %w", err)
	}

	aeadKey, err := deriveAEADKey(shared, []byte("nostr-mls-welcome"))
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return fmt.Errorf("construct welcome aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate welcome nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, payload, nil)

	var buf []byte
	buf = encoding.WriteBytes(buf, ephemeralPub)
	buf = encoding.WriteBytes(buf, nonce)
	buf = encoding.WriteBytes(buf, ciphertext)
	w.Raw = buf
	return nil
}

func findMemberByInitPub(state *groupState, initPub []byte) (uint32, error) {
	for i, m := range state.members {
		if bytes.Equal(m.initPub, initPub) {
			return uint32(i), nil
		}
	}
	return 0, fmt.Errorf("%w: joiner init key not found among members", mlserrors.ErrOrderingFailure)
}

func deriveAEADKey(shared, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := fillFromReader(r, key); err != nil {
		return nil, fmt.Errorf("derive aead key: %w", err)
	}
	return key, nil
}

func (e *DefaultEngine) DecodeWelcome(data []byte) (Welcome, error) {
	off := 0
	ref, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: welcome ref: %v", mlserrors.ErrDecodeFailure, err)
	}
	raw, _, err := encoding.ReadBytes(data, off)
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: welcome body: %v", mlserrors.ErrDecodeFailure, err)
	}
	return Welcome{Raw: raw, KeyPackageRef: ref}, nil
}

func (e *DefaultEngine) EncodeWelcome(w Welcome) []byte {
	var buf []byte
	buf = encoding.WriteBytes(buf, w.KeyPackageRef)
	buf = encoding.WriteBytes(buf, w.Raw)
	return buf
}

func (e *DefaultEngine) JoinGroup(welcome Welcome, kp *KeyPackage, priv *PrivateKeyPackage) (GroupState, error) {
	off := 0
	ephemeralPub, off, err := encoding.ReadBytes(welcome.Raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome ephemeral key: %v", mlserrors.ErrDecodeFailure, err)
	}
	nonce, off, err := encoding.ReadBytes(welcome.Raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome nonce: %v", mlserrors.ErrDecodeFailure, err)
	}
	ciphertext, _, err := encoding.ReadBytes(welcome.Raw, off)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome ciphertext: %v", mlserrors.ErrDecodeFailure, err)
	}

	shared, err := curve25519.X25519(priv.InitPrivate, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("welcome ecdh: %w", err)
	}
	aeadKey, err := deriveAEADKey(shared, []byte("nostr-mls-welcome"))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(aeadKey)
	if err != nil {
		return nil, fmt.Errorf("construct welcome aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome decrypt: %v", mlserrors.ErrDecryptFailure, err)
	}

	payload, err := decodeWelcomePayload(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: welcome payload: %v", mlserrors.ErrDecodeFailure, err)
	}

	return &groupState{
		groupID:      payload.groupID,
		epoch:        payload.epoch,
		epochSecret:  payload.epochSecret,
		extensions:   payload.extensions,
		members:      payload.members,
		ownLeafIndex: payload.leafIndex,
		ownSigPriv:   ed25519.PrivateKey(priv.SigPrivate),
	}, nil
}

// --- message processing ---

const (
	msgKindApplication byte = 1
	msgKindProposal    byte = 2
	msgKindCommit      byte = 3
)

func buildSignedMessage(kind byte, senderLeaf uint32, payload []byte, sigPriv ed25519.PrivateKey) []byte {
	var buf []byte
	buf = append(buf, kind)
	buf = encoding.WriteUint64(buf, uint64(senderLeaf))
	buf = encoding.WriteBytes(buf, payload)
	sig := ed25519.Sign(sigPriv, buf)
	return encoding.WriteBytes(buf, sig)
}

func (e *DefaultEngine) signApplication(state *groupState, payload []byte) []byte {
	return buildSignedMessage(msgKindApplication, state.ownLeafIndex, payload, state.ownSigPriv)
}

// SignProposal wraps a proposal built by CreateAddProposal/CreateRemoveProposal
// in the same signed-message envelope used for commits and application
// data, so it can travel as a standalone MLS proposal message.
func (e *DefaultEngine) SignProposal(state GroupState, proposal []byte) ([]byte, error) {
	s, ok := state.(*groupState)
	if !ok {
		return nil, fmt.Errorf("%w: state not produced by this engine", mlserrors.ErrInvalidInput)
	}
	return buildSignedMessage(msgKindProposal, s.ownLeafIndex, proposal, s.ownSigPriv), nil
}

// SignApplication wraps application data in the signed-message envelope.
func (e *DefaultEngine) SignApplication(state GroupState, payload []byte) ([]byte, error) {
	s, ok := state.(*groupState)
	if !ok {
		return nil, fmt.Errorf("%w: state not produced by this engine", mlserrors.ErrInvalidInput)
	}
	return e.signApplication(s, payload), nil
}

// PeekMessageType reads raw's leading kind byte without verifying its
// signature or touching any state.
func (e *DefaultEngine) PeekMessageType(raw []byte) (MessageType, error) {
	if len(raw) < 1 {
		return 0, fmt.Errorf("%w: empty message", mlserrors.ErrDecodeFailure)
	}
	switch raw[0] {
	case msgKindApplication:
		return MessageApplication, nil
	case msgKindProposal:
		return MessageProposal, nil
	case msgKindCommit:
		return MessageCommit, nil
	default:
		return 0, fmt.Errorf("%w: unknown message kind %d", mlserrors.ErrDecodeFailure, raw[0])
	}
}

func (e *DefaultEngine) ProcessIncomingMessage(stateIface GroupState, raw []byte, admin AdminCallback) (GroupState, MessageType, []byte, error) {
	state, ok := stateIface.(*groupState)
	if !ok {
		return nil, 0, nil, fmt.Errorf("%w: state not produced by this engine", mlserrors.ErrInvalidInput)
	}

	if len(raw) < 1 {
		return nil, 0, nil, fmt.Errorf("%w: empty message", mlserrors.ErrDecodeFailure)
	}
	kind := raw[0]
	off := 1
	senderLeaf, off, err := encoding.ReadUint64(raw, off)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: sender leaf: %v", mlserrors.ErrDecodeFailure, err)
	}
	payload, sigOff, err := encoding.ReadBytes(raw, off)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: payload: %v", mlserrors.ErrDecodeFailure, err)
	}
	sig, _, err := encoding.ReadBytes(raw, sigOff)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: signature: %v", mlserrors.ErrDecodeFailure, err)
	}

	if int(senderLeaf) >= len(state.members) || !state.members[senderLeaf].occupied {
		return nil, 0, nil, fmt.Errorf("%w: unresolvable sender leaf %d", mlserrors.ErrDecryptFailure, senderLeaf)
	}
	signed := raw[:sigOff]
	if !ed25519.Verify(state.members[senderLeaf].sigPub, signed, sig) {
		return nil, 0, nil, fmt.Errorf("%w: signature verification failed", mlserrors.ErrDecryptFailure)
	}

	switch kind {
	case msgKindApplication:
		return state, MessageApplication, payload, nil

	case msgKindProposal:
		next := cloneState(state)
		next.pending = append(append([][]byte{}, state.pending...), payload)
		return next, MessageProposal, nil, nil

	case msgKindCommit:
		decision := admin(uint32(senderLeaf), state)
		if !decision.Accept {
			return nil, MessageCommit, nil, nil
		}

		// The commit message's payload carries the full proposal list
		// (see CreateCommit), so any recipient can apply it directly off
		// the wire rather than needing to have separately ingested each
		// proposal as a standalone kind-445 event beforehand.
		applied, err := decodeProposalList(payload)
		if err != nil {
			return nil, 0, nil, err
		}

		next := cloneState(state)
		next.pending = nil
		if _, err := applyProposalsToState(e, next, applied); err != nil {
			return nil, 0, nil, err
		}

		commitContentHash := sha256.Sum256(flattenProposals(applied))
		next.epoch = state.epoch + 1
		next.epochSecret = advanceEpochSecret(state.epochSecret, next.epoch, commitContentHash[:])

		return next, MessageCommit, nil, nil

	default:
		return nil, 0, nil, fmt.Errorf("%w: unknown message kind %d", mlserrors.ErrDecodeFailure, kind)
	}
}

// --- exporter ---

func (e *DefaultEngine) Exporter(stateIface GroupState, label string, context []byte, length int) ([]byte, error) {
	state, ok := stateIface.(*groupState)
	if !ok {
		return nil, fmt.Errorf("%w: state not produced by this engine", mlserrors.ErrInvalidInput)
	}
	info := append([]byte(label), context...)
	r := hkdf.New(sha256.New, state.epochSecret, nil, info)
	out := make([]byte, length)
	if _, err := fillFromReader(r, out); err != nil {
		return nil, fmt.Errorf("exporter: %w", err)
	}
	return out, nil
}

// --- serialization ---

func (g *groupState) Serialize() ([]byte, error) {
	var buf []byte
	buf = encoding.WriteBytes(buf, g.groupID)
	buf = encoding.WriteUint64(buf, g.epoch)
	buf = encoding.WriteBytes(buf, g.epochSecret)

	var extBuf []byte
	extBuf = encoding.WriteUint64(extBuf, uint64(len(g.extensions)))
	for _, ext := range g.extensions {
		extBuf = encoding.WriteUint64(extBuf, uint64(ext.Type))
		extBuf = encoding.WriteBytes(extBuf, ext.Data)
	}
	buf = append(buf, extBuf...)

	buf = encoding.WriteUint64(buf, uint64(len(g.members)))
	for _, m := range g.members {
		occupied := uint64(0)
		if m.occupied {
			occupied = 1
		}
		buf = encoding.WriteUint64(buf, occupied)
		buf = encoding.WriteUint64(buf, uint64(m.credential.Type))
		buf = encoding.WriteBytes(buf, m.credential.Identity)
		buf = encoding.WriteBytes(buf, m.sigPub)
		buf = encoding.WriteBytes(buf, m.initPub)
	}

	buf = encoding.WriteUint64(buf, uint64(g.ownLeafIndex))
	buf = encoding.WriteBytes(buf, g.ownSigPriv)

	buf = encoding.WriteUint64(buf, uint64(len(g.pending)))
	for _, p := range g.pending {
		buf = encoding.WriteBytes(buf, p)
	}

	return buf, nil
}

func (e *DefaultEngine) DeserializeGroupState(data []byte) (GroupState, error) {
	off := 0
	groupID, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: group id: %v", mlserrors.ErrCorruptedState, err)
	}
	epoch, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: epoch: %v", mlserrors.ErrCorruptedState, err)
	}
	epochSecret, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: epoch secret: %v", mlserrors.ErrCorruptedState, err)
	}

	extCount, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: extension count: %v", mlserrors.ErrCorruptedState, err)
	}
	extensions := make([]Extension, 0, extCount)
	for i := uint64(0); i < extCount; i++ {
		t, next, err := encoding.ReadUint64(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: extension: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		d, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: extension data: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		extensions = append(extensions, Extension{Type: ExtensionType(t), Data: d})
	}

	memberCount, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: member count: %v", mlserrors.ErrCorruptedState, err)
	}
	members := make([]member, 0, memberCount)
	for i := uint64(0); i < memberCount; i++ {
		occupied, next, err := encoding.ReadUint64(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: member: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		credType, next, err := encoding.ReadUint64(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: member credential type: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		identity, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: member identity: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		sigPub, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: member sig pub: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		initPub, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: member init pub: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		members = append(members, member{
			credential: Credential{Type: CredentialType(credType), Identity: identity},
			sigPub:     sigPub,
			initPub:    initPub,
			occupied:   occupied == 1,
		})
	}

	ownLeafIndex, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: own leaf index: %v", mlserrors.ErrCorruptedState, err)
	}
	ownSigPriv, off, err := encoding.ReadBytes(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: own signature key: %v", mlserrors.ErrCorruptedState, err)
	}

	pendingCount, off, err := encoding.ReadUint64(data, off)
	if err != nil {
		return nil, fmt.Errorf("%w: pending proposal count: %v", mlserrors.ErrCorruptedState, err)
	}
	pending := make([][]byte, 0, pendingCount)
	for i := uint64(0); i < pendingCount; i++ {
		p, next, err := encoding.ReadBytes(data, off)
		if err != nil {
			return nil, fmt.Errorf("%w: pending proposal: %v", mlserrors.ErrCorruptedState, err)
		}
		off = next
		pending = append(pending, p)
	}

	return &groupState{
		groupID:      groupID,
		epoch:        epoch,
		epochSecret:  epochSecret,
		extensions:   extensions,
		members:      members,
		ownLeafIndex: uint32(ownLeafIndex),
		ownSigPriv:   ed25519.PrivateKey(ownSigPriv),
		pending:      pending,
	}, nil
}

func nowUnix() uint64 {
	return uint64(time.Now().Unix())
}
