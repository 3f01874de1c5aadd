package bridge

import (
	"context"

	"github.com/ratchethub/ratchethub/crypto"
)

// CryptoClient is the Crypto Engine handle the Bridge depends on. It is
// satisfied both by *ipc.Client (the engine running as a separate process,
// cmd/cryptoengined) and by engineAdapter (wrapping an in-process
// *crypto.Engine directly) — the Bridge does not know or care which.
type CryptoClient interface {
	PublishBundle(ctx context.Context, hub string) (*crypto.Bundle, error)
	CreateSession(ctx context.Context, hub string, bundle *crypto.Bundle, pinned []byte) ([]byte, error)
	HasSession(ctx context.Context, hub string) (bool, error)
	Encrypt(ctx context.Context, hub string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, hub string, envelope []byte) ([]byte, error)
	EncryptBinary(ctx context.Context, hub string, plaintext []byte) ([]byte, error)
	DecryptBinary(ctx context.Context, hub string, frame []byte) ([]byte, error)
	IdentityKey(ctx context.Context) ([]byte, error)
	ClearSession(ctx context.Context, hub string) error
	ClearAllSessions(ctx context.Context) error
}

// engineAdapter satisfies CryptoClient directly against an in-process
// *crypto.Engine, ignoring ctx: the in-process engine never blocks on I/O.
type engineAdapter struct {
	engine *crypto.Engine
}

// WrapEngine builds a CryptoClient around an in-process crypto.Engine, for
// deployments that don't split the Crypto Engine into its own process.
func WrapEngine(e *crypto.Engine) CryptoClient {
	return &engineAdapter{engine: e}
}

func (a *engineAdapter) PublishBundle(_ context.Context, hub string) (*crypto.Bundle, error) {
	return a.engine.PublishBundle(hub)
}

func (a *engineAdapter) CreateSession(_ context.Context, hub string, bundle *crypto.Bundle, pinned []byte) ([]byte, error) {
	return a.engine.CreateSession(hub, bundle, pinned)
}

func (a *engineAdapter) HasSession(_ context.Context, hub string) (bool, error) {
	return a.engine.HasSession(hub), nil
}

func (a *engineAdapter) Encrypt(_ context.Context, hub string, plaintext []byte) ([]byte, error) {
	return a.engine.Encrypt(hub, plaintext)
}

func (a *engineAdapter) Decrypt(_ context.Context, hub string, envelope []byte) ([]byte, error) {
	return a.engine.Decrypt(hub, envelope)
}

func (a *engineAdapter) EncryptBinary(_ context.Context, hub string, plaintext []byte) ([]byte, error) {
	return a.engine.EncryptBinary(hub, plaintext)
}

func (a *engineAdapter) DecryptBinary(_ context.Context, hub string, frame []byte) ([]byte, error) {
	return a.engine.DecryptBinary(hub, frame)
}

func (a *engineAdapter) IdentityKey(_ context.Context) ([]byte, error) {
	return a.engine.IdentityKey(), nil
}

func (a *engineAdapter) ClearSession(_ context.Context, hub string) error {
	a.engine.ClearSession(hub)
	return nil
}

func (a *engineAdapter) ClearAllSessions(_ context.Context) error {
	a.engine.ClearAllSessions()
	return nil
}
