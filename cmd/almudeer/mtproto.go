package main

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/infra/logger"
	"github.com/almudeer/engine/internal/infra/telegram/peersmgr"
)

// memSessionStorage seeds a gotd session.Storage from an already-decrypted
// session string and keeps whatever gotd rewrites it to in memory for the
// life of the process. The engine only ever drives one MTProto-connected
// account per process (MTProto itself is a single-session protocol;
// running N accounts means N independent connections, a pool the teacher
// never built and this entrypoint does not attempt either), so there is
// nowhere durable to persist a refreshed session back to.
type memSessionStorage struct {
	mu   sync.Mutex
	data []byte
}

func (m *memSessionStorage) LoadSession(context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.data) == 0 {
		return nil, session.ErrNotFound
	}
	return m.data, nil
}

func (m *memSessionStorage) StoreSession(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return nil
}

// connectMTProto brings up one MTProto connection and blocks until the
// session is confirmed authorized, then hands back the RPC client and a
// peer-resolution service built over it. The connection itself keeps
// running in the background for ctx's lifetime.
func connectMTProto(ctx context.Context, apiID int, apiHash, sessionString, peerDBPath string) (*tg.Client, *peersmgr.Service, error) {
	var seed []byte
	if sessionString != "" {
		decoded, err := base64.StdEncoding.DecodeString(sessionString)
		if err != nil {
			return nil, nil, errors.New("mtproto: session string is not valid base64")
		}
		seed = decoded
	}
	storage := &memSessionStorage{data: seed}

	client := telegram.NewClient(apiID, apiHash, telegram.Options{
		SessionStorage: storage,
	})

	ready := make(chan error, 1)
	go func() {
		err := client.Run(ctx, func(runCtx context.Context) error {
			status, err := client.Auth().Status(runCtx)
			if err != nil {
				ready <- err
				return nil
			}
			if !status.Authorized {
				ready <- errors.New("mtproto: stored session is not authorized")
				return nil
			}
			ready <- nil
			<-runCtx.Done()
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("mtproto: client run exited", zap.Error(err))
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return nil, nil, err
		}
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	api := client.API()
	peers, err := peersmgr.New(api, filepath.Join(peerDBPath, "peers.bbolt"))
	if err != nil {
		return nil, nil, err
	}
	return api, peers, nil
}
