package mailerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindProtocol, "store flags", errors.New("NO no such message")).
		WithAccount("acc").WithFolder("INBOX").WithUID(42)

	assert.Equal(t,
		"protocol error during store flags (account acc, folder INBOX, uid 42): NO no such message",
		err.Error(),
	)
}

func TestErrorMessageWithoutContext(t *testing.T) {
	err := Newf(KindPolicy, "delete folder", "folder %q is protected", "Sent")
	assert.Equal(t, `policy error during delete folder: folder "Sent" is protected`, err.Error())
}

func TestKindOfWrapped(t *testing.T) {
	base := New(KindAuth, "login", errors.New("bad password"))
	wrapped := fmt.Errorf("connecting account: %w", base)

	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.True(t, IsAuthError(wrapped))
	assert.False(t, Is(wrapped, KindNetwork))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestIsFindsNestedKind(t *testing.T) {
	storage := New(KindStorage, "update cache", errors.New("disk full"))
	diverged := New(KindDiverged, "apply batch", storage)

	assert.Equal(t, KindDiverged, KindOf(diverged))
	assert.True(t, Is(diverged, KindDiverged))
	assert.True(t, Is(diverged, KindStorage))
	assert.False(t, Is(diverged, KindNetwork))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindNetwork, "dial", errors.New("refused"))))
	assert.False(t, Retryable(New(KindTLS, "handshake", errors.New("certificate signed by unknown authority"))))
	assert.False(t, Retryable(New(KindAuth, "login", nil)))
	assert.False(t, Retryable(nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "diverged", KindDiverged.String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
