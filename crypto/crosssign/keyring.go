// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crosssign manages the master/self-signing/user-signing key
// hierarchy for a user: generating and rotating keys, signing other users
// and own devices, and computing trust from the recorded signature chains.
package crosssign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"go.mau.fi/mauverify/crypto/signatures"
	"go.mau.fi/mauverify/id"
)

var (
	// ErrCrossUserDevice is returned by SignDevice when the device does not
	// belong to the keyring's own user. The self-signing key only ever signs
	// own devices; other users are signed at the master key level with the
	// user-signing key.
	ErrCrossUserDevice = errors.New("self-signing key can only sign own devices")
	// ErrOwnUser is returned by SignUser for the keyring's own user.
	ErrOwnUser = errors.New("user-signing key cannot sign own user")
	// ErrUnknownIdentity is returned when no cross-signing keys are known
	// for the requested user.
	ErrUnknownIdentity = errors.New("no cross-signing identity known for user")
)

// TrustLevel is the result of a user trust check. The two bits are
// independent: a user can be accepted on first use and later also be
// cryptographically verified.
type TrustLevel int

const (
	TrustLevelUnverified TrustLevel = 0
	// TrustLevelTofu means the identity was accepted on trust at first
	// sight and has never been re-verified.
	TrustLevelTofu TrustLevel = 1 << 0
	// TrustLevelVerified means our user-signing key's signature on the
	// user's master key verifies.
	TrustLevelVerified TrustLevel = 1 << 1
)

func (tl TrustLevel) IsTofu() bool {
	return tl&TrustLevelTofu != 0
}

func (tl TrustLevel) IsVerified() bool {
	return tl&TrustLevelVerified != 0
}

func (tl TrustLevel) String() string {
	if tl == TrustLevelUnverified {
		return "unverified"
	}
	var parts []string
	if tl.IsTofu() {
		parts = append(parts, "tofu")
	}
	if tl.IsVerified() {
		parts = append(parts, "verified")
	}
	return strings.Join(parts, "+")
}

// DeviceKeys is the wire format of a device's identity keys, which is what
// the self-signing key signs.
type DeviceKeys struct {
	UserID     id.UserID             `json:"user_id"`
	DeviceID   id.DeviceID           `json:"device_id"`
	Algorithms []string              `json:"algorithms,omitempty"`
	Keys       map[id.KeyID]string   `json:"keys"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

func deviceKeysFor(device *id.Device) *DeviceKeys {
	return &DeviceKeys{
		UserID:   device.UserID,
		DeviceID: device.DeviceID,
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, device.DeviceID.String()):    device.SigningKey.String(),
			id.NewKeyID(id.KeyAlgorithmCurve25519, device.DeviceID.String()): device.IdentityKey.String(),
		},
	}
}

// Keyring owns the cross-signing state for one session: the local user's
// private key access (through the Store collaborator) and the public
// identities of every user it has seen keys for.
//
// All public methods are safe for concurrent use.
type Keyring struct {
	userID   id.UserID
	deviceID id.DeviceID
	store    Store

	lock       sync.Mutex
	identities map[id.UserID]*Identity
}

func NewKeyring(userID id.UserID, deviceID id.DeviceID, store Store) *Keyring {
	return &Keyring{
		userID:     userID,
		deviceID:   deviceID,
		store:      store,
		identities: map[id.UserID]*Identity{},
	}
}

func (kr *Keyring) UserID() id.UserID {
	return kr.userID
}

// Store returns the secure storage collaborator the keyring was created with.
func (kr *Keyring) Store() Store {
	return kr.store
}

// GetIdentity returns the stored identity of the given user, or nil if no
// keys are known. The returned identity is a deep copy: it may be retained
// and read freely, and later SetKeys or signing calls won't change it.
func (kr *Keyring) GetIdentity(userID id.UserID) *Identity {
	kr.lock.Lock()
	defer kr.lock.Unlock()
	return kr.identities[userID].Clone()
}

// OwnIdentity returns our own cross-signing identity, or nil before
// ResetKeys/SetKeys has been called.
func (kr *Keyring) OwnIdentity() *Identity {
	return kr.GetIdentity(kr.userID)
}

// MasterKeyTrusted reports whether this device trusts its own user's master
// key. Holding the matching master seed implies trust, as does a prior
// interactive verification on this device.
func (kr *Keyring) MasterKeyTrusted(ctx context.Context) (bool, error) {
	kr.lock.Lock()
	identity := kr.identities[kr.userID].Clone()
	kr.lock.Unlock()
	if identity == nil || identity.Master == nil {
		return false, ErrUnknownIdentity
	} else if identity.VerifiedByUs {
		return true, nil
	}
	seed, err := kr.store.GetSeed(ctx, id.XSUsageMaster)
	if errors.Is(err, ErrSeedNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get master seed from store: %w", err)
	}
	signing, err := NewSigningFromSeed(seed)
	if err != nil {
		return false, nil
	}
	// A stored seed left over from a superseded master key does not count.
	return signing.PublicKey() == identity.Master.FirstKey(), nil
}

// TrustMasterKey marks the own user's master key as verified by this device.
// Called after the key has been confirmed through an interactive
// verification method.
func (kr *Keyring) TrustMasterKey(_ context.Context) error {
	kr.lock.Lock()
	defer kr.lock.Unlock()
	identity := kr.identities[kr.userID]
	if identity == nil || identity.Master == nil {
		return ErrUnknownIdentity
	}
	identity.VerifiedByUs = true
	return nil
}

// ResetKeys generates fresh key material for the given level and everything
// below it in the hierarchy. Resetting the master key implies regenerating
// the self-signing and user-signing keys too, since both must be signed by
// the new master. The generated seeds are committed to the Store in a single
// atomic write and also returned. Only the regenerated slots are set in the
// returned Seeds.
func (kr *Keyring) ResetKeys(ctx context.Context, level Level) (*Seeds, error) {
	log := zerolog.Ctx(ctx).With().
		Str("component", "crosssign").
		Stringer("reset_level", level).
		Logger()

	kr.lock.Lock()
	defer kr.lock.Unlock()

	if level == LevelMaster {
		return kr.resetAllKeys(ctx, &log)
	}

	// Resetting a subordinate key requires the current master private key to
	// sign the replacement.
	identity := kr.identities[kr.userID]
	if identity == nil || identity.Master == nil {
		return nil, ErrNoMasterKey
	}
	master, err := kr.retrieveSigning(ctx, id.XSUsageMaster, identity.Master.FirstKey(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve master key: %w", err)
	}

	signing, err := NewSigning()
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", level, err)
	}
	var usage id.CrossSigningUsage
	switch level {
	case LevelSelfSigning:
		usage = id.XSUsageSelfSigning
	case LevelUserSigning:
		usage = id.XSUsageUserSigning
	default:
		return nil, fmt.Errorf("unknown reset level %d", int(level))
	}
	info := NewKeyInfo(kr.userID, usage, signing.PublicKey())
	sig, err := master.SignJSON(info)
	if err != nil {
		return nil, fmt.Errorf("failed to sign new %s key: %w", usage, err)
	}
	info.AttachSignature(kr.userID, master.PublicKey(), sig)

	var keys UserKeys
	seeds := &Seeds{}
	if usage == id.XSUsageSelfSigning {
		keys.SelfSigning = info
		seeds.SelfSigning = signing.Seed()
	} else {
		keys.UserSigning = info
		seeds.UserSigning = signing.Seed()
	}
	if err = identity.SetKeys(keys); err != nil {
		return nil, err
	}
	if err = kr.store.PutSeeds(ctx, map[id.CrossSigningUsage][]byte{usage: signing.Seed()}); err != nil {
		return nil, fmt.Errorf("failed to store new %s seed: %w", usage, err)
	}
	if err = kr.store.PutSignature(ctx, kr.userID, info.FirstKey(), kr.userID, master.PublicKey(), sig); err != nil {
		return nil, fmt.Errorf("failed to store signature: %w", err)
	}
	log.Info().Str("public_key", signing.PublicKey().String()).Msg("Regenerated cross-signing key")
	return seeds, nil
}

func (kr *Keyring) resetAllKeys(ctx context.Context, log *zerolog.Logger) (*Seeds, error) {
	master, err := NewSigning()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	selfSigning, err := NewSigning()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signing key: %w", err)
	}
	userSigning, err := NewSigning()
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-signing key: %w", err)
	}

	masterInfo := NewKeyInfo(kr.userID, id.XSUsageMaster, master.PublicKey())
	selfInfo := NewKeyInfo(kr.userID, id.XSUsageSelfSigning, selfSigning.PublicKey())
	userInfo := NewKeyInfo(kr.userID, id.XSUsageUserSigning, userSigning.PublicKey())

	// The signing cascade runs top-down: both subordinate keys are signed by
	// the master immediately after creation.
	selfSig, err := master.SignJSON(selfInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to sign self-signing key: %w", err)
	}
	selfInfo.AttachSignature(kr.userID, master.PublicKey(), selfSig)
	userSig, err := master.SignJSON(userInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user-signing key: %w", err)
	}
	userInfo.AttachSignature(kr.userID, master.PublicKey(), userSig)

	identity := &Identity{UserID: kr.userID}
	err = identity.SetKeys(UserKeys{Master: masterInfo, SelfSigning: selfInfo, UserSigning: userInfo})
	if err != nil {
		return nil, err
	}

	err = kr.store.PutSeeds(ctx, map[id.CrossSigningUsage][]byte{
		id.XSUsageMaster:      master.Seed(),
		id.XSUsageSelfSigning: selfSigning.Seed(),
		id.XSUsageUserSigning: userSigning.Seed(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store seeds: %w", err)
	}
	for _, sig := range []struct {
		key       id.Ed25519
		signature string
	}{
		{selfSigning.PublicKey(), selfSig},
		{userSigning.PublicKey(), userSig},
	} {
		err = kr.store.PutSignature(ctx, kr.userID, sig.key, kr.userID, master.PublicKey(), sig.signature)
		if err != nil {
			return nil, fmt.Errorf("failed to store signature: %w", err)
		}
	}
	kr.identities[kr.userID] = identity

	log.Info().
		Str("master", master.PublicKey().String()).
		Str("self_signing", selfSigning.PublicKey().String()).
		Str("user_signing", userSigning.PublicKey().String()).
		Msg("Generated cross-signing keys")
	return &Seeds{
		Master:      master.Seed(),
		SelfSigning: selfSigning.Seed(),
		UserSigning: userSigning.Seed(),
	}, nil
}

// SetKeys validates and stores an incoming cross-signing key set for any
// user. See [Identity.SetKeys] for the consistency rules. Validated
// master-to-subkey signatures are recorded in the Store so that trust
// resolution can see them.
func (kr *Keyring) SetKeys(ctx context.Context, userID id.UserID, keys UserKeys) error {
	kr.lock.Lock()
	defer kr.lock.Unlock()

	identity := kr.identities[userID]
	if identity == nil {
		identity = &Identity{UserID: userID}
	}
	if err := identity.SetKeys(keys); err != nil {
		return err
	}
	kr.identities[userID] = identity

	masterKey := identity.Master.FirstKey()
	for _, subkey := range []*KeyInfo{keys.SelfSigning, keys.UserSigning} {
		if subkey == nil {
			continue
		}
		sig := subkey.Signatures[userID][id.NewKeyID(id.KeyAlgorithmEd25519, masterKey.String())]
		err := kr.store.PutSignature(ctx, userID, subkey.FirstKey(), userID, masterKey, sig)
		if err != nil {
			return fmt.Errorf("failed to store signature: %w", err)
		}
	}
	return nil
}

// SignUser signs another user's master key with our user-signing key. The
// private key is retrieved through the Store or, failing that, the getKey
// callback, which may prompt the user and can take arbitrarily long.
func (kr *Keyring) SignUser(ctx context.Context, userID id.UserID, getKey GetKeyFunc) error {
	if userID == kr.userID {
		return ErrOwnUser
	}
	kr.lock.Lock()
	own := kr.identities[kr.userID].Clone()
	their := kr.identities[userID].Clone()
	kr.lock.Unlock()
	if own == nil || own.UserSigning == nil {
		return fmt.Errorf("%w: own user-signing key missing", ErrUnknownIdentity)
	}
	if their == nil || their.Master == nil {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, userID)
	}

	userSigning, err := kr.retrieveSigning(ctx, id.XSUsageUserSigning, own.UserSigning.FirstKey(), getKey)
	if err != nil {
		return fmt.Errorf("failed to retrieve user-signing key: %w", err)
	}

	// Sign a clean copy of the master key object so that existing
	// signatures don't leak into the signed JSON.
	toSign := NewKeyInfo(userID, id.XSUsageMaster, their.Master.FirstKey())
	sig, err := userSigning.SignJSON(toSign)
	if err != nil {
		return fmt.Errorf("failed to sign master key: %w", err)
	}
	kr.lock.Lock()
	if current := kr.identities[userID]; current != nil && current.Master != nil &&
		current.Master.FirstKey() == their.Master.FirstKey() {
		current.Master.AttachSignature(kr.userID, userSigning.PublicKey(), sig)
	}
	kr.lock.Unlock()
	err = kr.store.PutSignature(ctx, userID, their.Master.FirstKey(), kr.userID, userSigning.PublicKey(), sig)
	if err != nil {
		return fmt.Errorf("failed to store signature: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("component", "crosssign").
		Stringer("target_user", userID).
		Str("master_key", their.Master.FirstKey().String()).
		Msg("Signed user's master key")
	return nil
}

// SignDevice signs a device's identity keys with our self-signing key. The
// device must belong to our own user; cross-user signing happens at the
// master key level through SignUser.
func (kr *Keyring) SignDevice(ctx context.Context, userID id.UserID, device *id.Device, getKey GetKeyFunc) error {
	if userID != kr.userID || device.UserID != kr.userID {
		return ErrCrossUserDevice
	}
	own := kr.OwnIdentity()
	if own == nil || own.SelfSigning == nil {
		return fmt.Errorf("%w: own self-signing key missing", ErrUnknownIdentity)
	}
	selfSigning, err := kr.retrieveSigning(ctx, id.XSUsageSelfSigning, own.SelfSigning.FirstKey(), getKey)
	if err != nil {
		return fmt.Errorf("failed to retrieve self-signing key: %w", err)
	}
	sig, err := selfSigning.SignJSON(deviceKeysFor(device))
	if err != nil {
		return fmt.Errorf("failed to sign device keys: %w", err)
	}
	err = kr.store.PutSignature(ctx, kr.userID, device.SigningKey, kr.userID, selfSigning.PublicKey(), sig)
	if err != nil {
		return fmt.Errorf("failed to store signature: %w", err)
	}
	zerolog.Ctx(ctx).Debug().
		Str("component", "crosssign").
		Stringer("device_id", device.DeviceID).
		Msg("Signed own device")
	return nil
}

// UserTrust computes the trust level of another user's identity. The two
// bits are independent: TrustLevelVerified requires our user-signing key's
// signature on their master key to be on record and our user-signing key to
// chain to our master key, while TrustLevelTofu reflects that the identity
// was accepted blind when first seen.
func (kr *Keyring) UserTrust(ctx context.Context, userID id.UserID) (TrustLevel, error) {
	kr.lock.Lock()
	own := kr.identities[kr.userID].Clone()
	their := kr.identities[userID].Clone()
	kr.lock.Unlock()

	if their == nil || their.Master == nil {
		return TrustLevelUnverified, nil
	}
	level := TrustLevelUnverified
	if their.TrustedOnFirstUse {
		level |= TrustLevelTofu
	}
	if userID == kr.userID {
		if own != nil {
			level |= TrustLevelVerified
		}
		return level, nil
	}
	if own == nil || own.Master == nil || own.UserSigning == nil {
		return level, nil
	}

	// Our own user-signing key has to chain to our master key before its
	// signatures mean anything.
	uskTrusted, err := kr.store.IsKeySignedBy(ctx, kr.userID, own.UserSigning.FirstKey(), kr.userID, own.Master.FirstKey())
	if err != nil {
		return level, fmt.Errorf("failed to check user-signing key signature: %w", err)
	} else if !uskTrusted {
		return level, nil
	}
	signed, err := kr.store.IsKeySignedBy(ctx, userID, their.Master.FirstKey(), kr.userID, own.UserSigning.FirstKey())
	if err != nil {
		return level, fmt.Errorf("failed to check master key signature: %w", err)
	}
	if signed {
		level |= TrustLevelVerified
	}
	return level, nil
}

// DeviceTrust resolves the trust state of a device from the cross-signing
// chain: the device key must be signed by the owner's self-signing key,
// which must be signed by their master key, and the owning user must be
// trusted. Any missing link yields zero trust.
func (kr *Keyring) DeviceTrust(ctx context.Context, device *id.Device) (id.TrustState, error) {
	if device.Trust == id.TrustStateVerified || device.Trust == id.TrustStateBlacklisted {
		return device.Trust, nil
	}
	their := kr.GetIdentity(device.UserID)
	if their == nil || their.Master == nil || their.SelfSigning == nil {
		return id.TrustStateUnset, nil
	}
	sskSigned, err := kr.store.IsKeySignedBy(ctx, device.UserID, their.SelfSigning.FirstKey(), device.UserID, their.Master.FirstKey())
	if err != nil {
		return id.TrustStateUnset, fmt.Errorf("failed to check self-signing key signature: %w", err)
	} else if !sskSigned {
		return id.TrustStateUnset, nil
	}
	deviceSigned, err := kr.store.IsKeySignedBy(ctx, device.UserID, device.SigningKey, device.UserID, their.SelfSigning.FirstKey())
	if err != nil {
		return id.TrustStateUnset, fmt.Errorf("failed to check device key signature: %w", err)
	} else if !deviceSigned {
		return id.TrustStateUnset, nil
	}
	userTrust, err := kr.UserTrust(ctx, device.UserID)
	if err != nil {
		return id.TrustStateUnset, err
	}
	switch {
	case userTrust.IsVerified():
		return id.TrustStateCrossSignedTrusted, nil
	case userTrust.IsTofu():
		return id.TrustStateCrossSigned, nil
	default:
		return id.TrustStateUnset, nil
	}
}
