// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rendezvous_test

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/mauverify/crypto/crosssign"
	"go.mau.fi/mauverify/id"
	"go.mau.fi/mauverify/rendezvous"
	"go.mau.fi/mauverify/rendezvous/relay"
)

func newTestRelay(t *testing.T, middleware func(http.Handler) http.Handler) (*httptest.Server, *rendezvous.Client) {
	var handler http.Handler = relay.New(zerolog.Nop()).Router()
	if middleware != nil {
		handler = middleware(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, &rendezvous.Client{
		HTTP:         srv.Client(),
		PollInterval: 10 * time.Millisecond,
	}
}

func TestSession_ConflictAndGone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, client := newTestRelay(t, nil)

	sessA, err := client.NewSession(ctx, srv.URL+"/", []byte("hello"))
	require.NoError(t, err)
	require.False(t, sessA.ExpiresAt.IsZero())

	sessB := client.AttachSession(sessA.URL)
	data, err := sessB.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, sessB.Send(ctx, []byte("world")))

	// A still holds the token from before B's write.
	err = sessA.Send(ctx, []byte("stale"))
	assert.ErrorIs(t, err, rendezvous.ErrConcurrentWrite)

	data, err = sessA.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
	require.NoError(t, sessA.Send(ctx, []byte("fresh")))

	require.NoError(t, sessB.Close(ctx))
	// Closing twice is fine.
	require.NoError(t, sessB.Close(ctx))

	assert.ErrorIs(t, sessA.Send(ctx, []byte("too late")), rendezvous.ErrSessionGone)
	_, err = sessA.Poll(ctx)
	assert.ErrorIs(t, err, rendezvous.ErrSessionGone)
}

func TestSecureChannel_Establish(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, client := newTestRelay(t, nil)

	displayedKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	displaySess, err := client.NewSession(ctx, srv.URL+"/", nil)
	require.NoError(t, err)
	scanSess := client.AttachSession(displaySess.URL)

	var displayChannel, scanChannel *rendezvous.SecureChannel
	var group errgroup.Group
	group.Go(func() (err error) {
		displayChannel, err = rendezvous.AcceptChannel(ctx, displaySess, displayedKey)
		return
	})
	group.Go(func() (err error) {
		scanChannel, err = rendezvous.ConnectChannel(ctx, scanSess, displayedKey.PublicKey())
		return
	})
	require.NoError(t, group.Wait())

	assert.Equal(t, displayChannel.CheckCode(), scanChannel.CheckCode())

	// Messages flow in both directions after establishment.
	group = errgroup.Group{}
	group.Go(func() error {
		return displayChannel.SendMessage(ctx, &rendezvous.Message{
			Type:      rendezvous.MessageTypeProtocols,
			Protocols: []string{rendezvous.ProtocolDeviceAuthorizationGrant},
		})
	})
	var received *rendezvous.Message
	group.Go(func() (err error) {
		received, err = scanChannel.ReceiveMessage(ctx)
		return
	})
	require.NoError(t, group.Wait())
	assert.Equal(t, rendezvous.MessageTypeProtocols, received.Type)
	assert.Equal(t, []string{rendezvous.ProtocolDeviceAuthorizationGrant}, received.Protocols)

	require.NoError(t, scanChannel.SendMessage(ctx, &rendezvous.Message{Type: rendezvous.MessageTypeDeclined}))
	received, err = displayChannel.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, rendezvous.MessageTypeDeclined, received.Type)
}

func TestSecureChannel_TamperedInitiate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Flip one bit of the ciphertext in the first channel payload on its
	// way through the relay.
	var tamperOnce sync.Once
	srv, client := newTestRelay(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				tamperOnce.Do(func() {
					body[len(body)-1] ^= 0x01
				})
				r.Body = io.NopCloser(bytes.NewReader(body))
				r.ContentLength = int64(len(body))
			}
			next.ServeHTTP(w, r)
		})
	})

	displayedKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	displaySess, err := client.NewSession(ctx, srv.URL+"/", nil)
	require.NoError(t, err)
	scanSess := client.AttachSession(displaySess.URL)

	scanCtx, scanCancel := context.WithCancel(ctx)
	defer scanCancel()
	connectErr := make(chan error, 1)
	go func() {
		_, err := rendezvous.ConnectChannel(scanCtx, scanSess, displayedKey.PublicKey())
		connectErr <- err
	}()

	_, err = rendezvous.AcceptChannel(ctx, displaySess, displayedKey)
	require.ErrorIs(t, err, rendezvous.ErrDecryptionFailed)

	// The displaying side never acknowledges, so the scanning side can only
	// be unblocked by cancellation. Establishment never completes.
	scanCancel()
	require.Error(t, <-connectErr)
}

type testDirectory struct {
	lock    sync.Mutex
	devices map[id.DeviceID]*id.Device
}

func (td *testDirectory) GetDevice(_ context.Context, _ id.UserID, deviceID id.DeviceID) (*id.Device, error) {
	td.lock.Lock()
	defer td.lock.Unlock()
	return td.devices[deviceID], nil
}

func (td *testDirectory) put(device *id.Device) {
	td.lock.Lock()
	defer td.lock.Unlock()
	td.devices[device.DeviceID] = device
}

func TestLoginFlow_FullTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv, client := newTestRelay(t, nil)

	const userID = id.UserID("@alice:example.com")
	const newDeviceID = id.DeviceID("NEWDEVICE")

	existingStore := crosssign.NewMemoryStore()
	keyring := crosssign.NewKeyring(userID, "OLDDEVICE", existingStore)
	seeds, err := keyring.ResetKeys(ctx, crosssign.LevelMaster)
	require.NoError(t, err)

	newStore := crosssign.NewMemoryStore()
	directory := &testDirectory{devices: map[id.DeviceID]*id.Device{}}
	backup := &rendezvous.BackupSecrets{
		Algorithm:     "m.megolm_backup.v1.curve25519-aes-sha2",
		Key:           random.Bytes(32),
		BackupVersion: "3",
	}

	// The existing device displays the QR code, so it creates the session
	// and embeds its key and homeserver.
	displayedKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	displaySess, err := client.NewSession(ctx, srv.URL+"/", nil)
	require.NoError(t, err)
	qrBytes := (&rendezvous.QRPayload{
		Intent:        rendezvous.QRIntentReciprocate,
		PublicKey:     displayedKey.PublicKey(),
		RendezvousURL: displaySess.URL,
		HomeserverURL: "https://matrix.example.com",
	}).Bytes()

	var approvedURI, existingCode, newCode string
	var receivedBackup *rendezvous.BackupSecrets

	var group errgroup.Group
	group.Go(func() error {
		channel, err := rendezvous.AcceptChannel(ctx, displaySess, displayedKey)
		if err != nil {
			return err
		}
		flow := &rendezvous.ExistingDeviceFlow{
			Channel:    channel,
			Secrets:    existingStore,
			Devices:    directory,
			UserID:     userID,
			Homeserver: "https://matrix.example.com",
			ApproveGrant: func(_ context.Context, uri string) (bool, error) {
				approvedURI = uri
				return true, nil
			},
			ConfirmCheckCode: func(_ context.Context, code string) (bool, error) {
				existingCode = code
				return true, nil
			},
			Backup:             backup,
			DevicePollInterval: 10 * time.Millisecond,
		}
		return flow.Run(ctx)
	})
	group.Go(func() error {
		qr, err := rendezvous.ParseQRPayload(qrBytes)
		if err != nil {
			return err
		}
		channel, err := rendezvous.ConnectChannel(ctx, client.AttachSession(qr.RendezvousURL), qr.PublicKey)
		if err != nil {
			return err
		}
		flow := &rendezvous.NewDeviceFlow{
			Channel: channel,
			Secrets: newStore,
			RequestGrant: func(_ context.Context, homeserver string) (string, error) {
				assert.Equal(t, "https://matrix.example.com", homeserver)
				return "https://matrix.example.com/grant/1234", nil
			},
			CompleteLogin: func(_ context.Context) (id.DeviceID, error) {
				directory.put(&id.Device{UserID: userID, DeviceID: newDeviceID})
				return newDeviceID, nil
			},
			ConfirmCheckCode: func(_ context.Context, code string) (bool, error) {
				newCode = code
				return true, nil
			},
		}
		receivedBackup, err = flow.Run(ctx)
		return err
	})
	require.NoError(t, group.Wait())

	assert.Equal(t, "https://matrix.example.com/grant/1234", approvedURI)
	assert.Equal(t, existingCode, newCode)

	master, err := newStore.GetSeed(ctx, id.XSUsageMaster)
	require.NoError(t, err)
	assert.EqualValues(t, seeds.Master, master)
	selfSigning, err := newStore.GetSeed(ctx, id.XSUsageSelfSigning)
	require.NoError(t, err)
	assert.EqualValues(t, seeds.SelfSigning, selfSigning)
	userSigning, err := newStore.GetSeed(ctx, id.XSUsageUserSigning)
	require.NoError(t, err)
	assert.EqualValues(t, seeds.UserSigning, userSigning)

	require.NotNil(t, receivedBackup)
	assert.Equal(t, backup.Algorithm, receivedBackup.Algorithm)
	assert.EqualValues(t, backup.Key, receivedBackup.Key)
	assert.Equal(t, backup.BackupVersion, receivedBackup.BackupVersion)
}

func TestLoginFlow_Declined(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, client := newTestRelay(t, nil)

	displayedKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	displaySess, err := client.NewSession(ctx, srv.URL+"/", nil)
	require.NoError(t, err)

	existingStore := crosssign.NewMemoryStore()
	directory := &testDirectory{devices: map[id.DeviceID]*id.Device{}}

	var group errgroup.Group
	group.Go(func() error {
		channel, err := rendezvous.AcceptChannel(ctx, displaySess, displayedKey)
		if err != nil {
			return err
		}
		flow := &rendezvous.ExistingDeviceFlow{
			Channel:    channel,
			Secrets:    existingStore,
			Devices:    directory,
			UserID:     "@alice:example.com",
			Homeserver: "https://matrix.example.com",
			// The user refuses to approve the grant.
			ApproveGrant: func(_ context.Context, uri string) (bool, error) {
				return false, nil
			},
		}
		err = flow.Run(ctx)
		assert.ErrorIs(t, err, rendezvous.ErrLoginDeclined)
		return nil
	})
	group.Go(func() error {
		channel, err := rendezvous.ConnectChannel(ctx, client.AttachSession(displaySess.URL), displayedKey.PublicKey())
		if err != nil {
			return err
		}
		flow := &rendezvous.NewDeviceFlow{
			Channel: channel,
			Secrets: crosssign.NewMemoryStore(),
			RequestGrant: func(_ context.Context, _ string) (string, error) {
				return "https://matrix.example.com/grant/1234", nil
			},
			CompleteLogin: func(_ context.Context) (id.DeviceID, error) {
				t.Error("login should not complete after decline")
				return "", nil
			},
		}
		_, err = flow.Run(ctx)
		assert.ErrorIs(t, err, rendezvous.ErrLoginDeclined)
		return nil
	})
	require.NoError(t, group.Wait())
}
