package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// LocalService 把推送端点指向本地 worker 主机的 /push 接口
type LocalService struct {
	BaseURL string
}

func (s LocalService) Subscribe(_ context.Context, _ string) (Subscription, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Subscription{}, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return Subscription{}, err
	}
	return Subscription{
		Endpoint: strings.TrimRight(s.BaseURL, "/") + "/push/" + uuid.NewString(),
		Keys: Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
		PrivateKey: base64.RawURLEncoding.EncodeToString(key.Bytes()),
	}, nil
}

func (s LocalService) Unsubscribe(context.Context, string) error {
	return nil
}
