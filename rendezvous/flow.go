// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"go.mau.fi/mauverify/crypto/crosssign"
	"go.mau.fi/mauverify/id"
)

var (
	// ErrLoginDeclined means the user on one of the devices explicitly
	// declined the login.
	ErrLoginDeclined = errors.New("login was declined")
	// ErrUnexpectedMessage means the peer sent a message type that doesn't
	// fit the current point in the flow.
	ErrUnexpectedMessage = errors.New("unexpected rendezvous message")
	// ErrProtocolNotSupported means the two devices have no login protocol
	// in common.
	ErrProtocolNotSupported = errors.New("no supported login protocol")
	// ErrCheckCodeMismatch means the user reported that the check codes on
	// the two devices don't match.
	ErrCheckCodeMismatch = errors.New("check code mismatch")
	// ErrDeviceNotFound means the new device didn't appear in the device
	// list within the bounded wait.
	ErrDeviceNotFound = errors.New("new device did not appear in the device list")
)

const (
	// DefaultDeviceWaitTimeout bounds how long the existing device waits for
	// the new device to show up in the device list before giving up.
	DefaultDeviceWaitTimeout = 10 * time.Second
	// DefaultDevicePollInterval is how often the device list is re-checked
	// during that wait.
	DefaultDevicePollInterval = 1 * time.Second
)

// DeviceDirectory is the device-list collaborator of the existing device's
// flow. The verification package's DeviceStore satisfies it.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*id.Device, error)
}

// ExistingDeviceFlow drives the login flow on the device that already has an
// account. It negotiates a protocol over the secure channel, asks the user
// to approve the grant, waits for the new device to finish logging in and
// appear in the device list, and finally hands over the secrets bundle.
type ExistingDeviceFlow struct {
	Channel    *SecureChannel
	Secrets    crosssign.Store
	Devices    DeviceDirectory
	UserID     id.UserID
	Homeserver string

	// ApproveGrant asks the user to open and approve the grant URI sent by
	// the new device. Returning false declines the login.
	ApproveGrant func(ctx context.Context, uri string) (bool, error)
	// ConfirmCheckCode, if set, asks the user to compare the displayed
	// check codes before the flow proceeds. Returning false aborts.
	ConfirmCheckCode func(ctx context.Context, code string) (bool, error)
	// Backup, if set, is included in the secrets bundle.
	Backup *BackupSecrets

	DeviceWaitTimeout  time.Duration
	DevicePollInterval time.Duration
}

func (f *ExistingDeviceFlow) fail(ctx context.Context, reason string) {
	err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeFailure, Reason: reason})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to send failure message")
	}
}

// Run executes the flow to completion. The channel must already be
// established. The session is not deleted here even on success: the new
// device still has to read the secrets payload, so it is the one that closes
// the session.
func (f *ExistingDeviceFlow) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx).With().Str("flow", "existing device login").Logger()
	ctx = log.WithContext(ctx)

	if f.ConfirmCheckCode != nil {
		if ok, err := f.ConfirmCheckCode(ctx, f.Channel.CheckCode()); err != nil {
			return err
		} else if !ok {
			if err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeDeclined}); err != nil {
				return err
			}
			return ErrCheckCodeMismatch
		}
	}

	err := f.Channel.SendMessage(ctx, &Message{
		Type:       MessageTypeProtocols,
		Protocols:  []string{ProtocolDeviceAuthorizationGrant},
		Homeserver: f.Homeserver,
	})
	if err != nil {
		return err
	}

	msg, err := f.Channel.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MessageTypeProtocol:
	case MessageTypeDeclined:
		return ErrLoginDeclined
	case MessageTypeFailure:
		return fmt.Errorf("peer reported failure: %s", msg.Reason)
	default:
		f.fail(ctx, "unexpected message")
		return fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Type, MessageTypeProtocol)
	}
	if msg.Protocol != ProtocolDeviceAuthorizationGrant {
		f.fail(ctx, "unsupported protocol")
		return fmt.Errorf("%w: %s", ErrProtocolNotSupported, msg.Protocol)
	}

	approved, err := f.ApproveGrant(ctx, msg.VerificationURI)
	if err != nil {
		return err
	} else if !approved {
		if err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeDeclined}); err != nil {
			return err
		}
		return ErrLoginDeclined
	}
	if err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeProtocolAccepted}); err != nil {
		return err
	}

	msg, err = f.Channel.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	switch msg.Type {
	case MessageTypeSuccess:
	case MessageTypeDeclined:
		return ErrLoginDeclined
	case MessageTypeFailure:
		return fmt.Errorf("peer reported failure: %s", msg.Reason)
	default:
		f.fail(ctx, "unexpected message")
		return fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Type, MessageTypeSuccess)
	}

	log.Info().Stringer("new_device_id", msg.DeviceID).Msg("New device logged in, waiting for it to appear in the device list")
	if err := f.waitForDevice(ctx, msg.DeviceID); err != nil {
		f.fail(ctx, "device did not appear")
		return err
	}

	secrets, err := f.collectSecrets(ctx)
	if err != nil {
		f.fail(ctx, "failed to collect secrets")
		return err
	}
	if err := f.Channel.SendMessage(ctx, secrets); err != nil {
		return err
	}
	log.Info().Msg("Sent secrets bundle to new device")
	return nil
}

func (f *ExistingDeviceFlow) waitForDevice(ctx context.Context, deviceID id.DeviceID) error {
	timeout := f.DeviceWaitTimeout
	if timeout <= 0 {
		timeout = DefaultDeviceWaitTimeout
	}
	interval := f.DevicePollInterval
	if interval <= 0 {
		interval = DefaultDevicePollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		device, err := f.Devices.GetDevice(ctx, f.UserID, deviceID)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to check device list")
		} else if device != nil && !device.Deleted {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrDeviceNotFound
		case <-ticker.C:
		}
	}
}

func (f *ExistingDeviceFlow) collectSecrets(ctx context.Context) (*Message, error) {
	master, err := f.Secrets.GetSeed(ctx, id.XSUsageMaster)
	if err != nil {
		return nil, fmt.Errorf("failed to get master key seed: %w", err)
	}
	selfSigning, err := f.Secrets.GetSeed(ctx, id.XSUsageSelfSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to get self-signing key seed: %w", err)
	}
	userSigning, err := f.Secrets.GetSeed(ctx, id.XSUsageUserSigning)
	if err != nil {
		return nil, fmt.Errorf("failed to get user-signing key seed: %w", err)
	}
	return &Message{
		Type: MessageTypeSecrets,
		CrossSigning: &CrossSigningSecrets{
			MasterKey:      master,
			SelfSigningKey: selfSigning,
			UserSigningKey: userSigning,
		},
		Backup: f.Backup,
	}, nil
}

// NewDeviceFlow drives the login flow on the device being bootstrapped. On
// success the cross-signing seeds from the secrets bundle are installed into
// Secrets and the backup slot, if any, is returned.
type NewDeviceFlow struct {
	Channel *SecureChannel
	Secrets crosssign.Store

	// RequestGrant starts a login against the given homeserver and returns
	// the grant URI the existing device's user has to approve.
	RequestGrant func(ctx context.Context, homeserver string) (uri string, err error)
	// CompleteLogin finishes the login after the grant was approved and
	// returns the new device's ID.
	CompleteLogin func(ctx context.Context) (id.DeviceID, error)
	// ConfirmCheckCode, if set, asks the user to compare the displayed
	// check codes before the flow proceeds. Returning false aborts.
	ConfirmCheckCode func(ctx context.Context, code string) (bool, error)
}

// Run executes the flow to completion.
func (f *NewDeviceFlow) Run(ctx context.Context) (*BackupSecrets, error) {
	log := zerolog.Ctx(ctx).With().Str("flow", "new device login").Logger()
	ctx = log.WithContext(ctx)

	if f.ConfirmCheckCode != nil {
		if ok, err := f.ConfirmCheckCode(ctx, f.Channel.CheckCode()); err != nil {
			return nil, err
		} else if !ok {
			if err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeDeclined}); err != nil {
				return nil, err
			}
			return nil, ErrCheckCodeMismatch
		}
	}

	msg, err := f.Channel.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MessageTypeProtocols:
	case MessageTypeDeclined:
		return nil, ErrLoginDeclined
	default:
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Type, MessageTypeProtocols)
	}
	if !slices.Contains(msg.Protocols, ProtocolDeviceAuthorizationGrant) {
		err := f.Channel.SendMessage(ctx, &Message{Type: MessageTypeFailure, Reason: "unsupported protocol"})
		if err != nil {
			return nil, err
		}
		return nil, ErrProtocolNotSupported
	}

	grantURI, err := f.RequestGrant(ctx, msg.Homeserver)
	if err != nil {
		return nil, err
	}
	err = f.Channel.SendMessage(ctx, &Message{
		Type:            MessageTypeProtocol,
		Protocol:        ProtocolDeviceAuthorizationGrant,
		VerificationURI: grantURI,
	})
	if err != nil {
		return nil, err
	}

	msg, err = f.Channel.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MessageTypeProtocolAccepted:
	case MessageTypeDeclined:
		return nil, ErrLoginDeclined
	case MessageTypeFailure:
		return nil, fmt.Errorf("peer reported failure: %s", msg.Reason)
	default:
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Type, MessageTypeProtocolAccepted)
	}

	deviceID, err := f.CompleteLogin(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Stringer("device_id", deviceID).Msg("Login completed, waiting for secrets bundle")
	err = f.Channel.SendMessage(ctx, &Message{Type: MessageTypeSuccess, DeviceID: deviceID})
	if err != nil {
		return nil, err
	}

	msg, err = f.Channel.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	switch msg.Type {
	case MessageTypeSecrets:
	case MessageTypeDeclined:
		return nil, ErrLoginDeclined
	case MessageTypeFailure:
		return nil, fmt.Errorf("peer reported failure: %s", msg.Reason)
	default:
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedMessage, msg.Type, MessageTypeSecrets)
	}
	if msg.CrossSigning != nil {
		err = f.Secrets.PutSeeds(ctx, map[id.CrossSigningUsage][]byte{
			id.XSUsageMaster:      msg.CrossSigning.MasterKey,
			id.XSUsageSelfSigning: msg.CrossSigning.SelfSigningKey,
			id.XSUsageUserSigning: msg.CrossSigning.UserSigningKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store cross-signing seeds: %w", err)
		}
		log.Info().Msg("Installed cross-signing seeds from secrets bundle")
	}
	return msg.Backup, f.Channel.Close(ctx)
}
