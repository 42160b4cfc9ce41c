package innerkey

import (
	"testing"

	"github.com/qnetproto/qnet-htx/internal/aeadcrypto"
	"github.com/qnetproto/qnet-htx/internal/noise"
	"golang.org/x/crypto/curve25519"
)

func loopbackHandshake(t *testing.T) (*noise.Handshake, *noise.Handshake) {
	t.Helper()
	var si, sr [32]byte
	si[0], sr[0] = 1, 2
	_, siPub := mustX25519Pub(t, si)
	_, srPub := mustX25519Pub(t, sr)

	init := noise.NewInitiator(si, siPub, srPub)
	resp := noise.NewResponder(sr, srPub)

	m1, err := init.WriteMessage1()
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.ReadMessage1(m1); err != nil {
		t.Fatal(err)
	}
	m2, err := resp.WriteMessage2()
	if err != nil {
		t.Fatal(err)
	}
	if err := init.ReadMessage2(m2); err != nil {
		t.Fatal(err)
	}
	m3, err := init.WriteMessage3()
	if err != nil {
		t.Fatal(err)
	}
	if err := resp.ReadMessage3(m3); err != nil {
		t.Fatal(err)
	}
	return init, resp
}

func mustX25519Pub(t *testing.T, priv [32]byte) ([32]byte, [32]byte) {
	t.Helper()
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub
}

func TestS4BindingMismatchOnCapabilities(t *testing.T) {
	init, resp := loopbackHandshake(t)
	baseTx, baseRx, err := init.TransportKeys()
	if err != nil {
		t.Fatal(err)
	}
	respTx, respRx, err := resp.TransportKeys()
	if err != nil {
		t.Fatal(err)
	}

	templateID := []byte("template-a")

	initKeys, err := OpenNoiseBootstrap(baseTx, baseRx, init, templateID, Caps{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	respKeys, err := OpenNoiseBootstrap(respTx, respRx, resp, templateID, Caps{Features: []string{"no_h2"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ct, err := aeadcrypto.Seal(initKeys.TxKey, 0, nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aeadcrypto.Open(respKeys.RxKey, 0, nil, ct); err == nil {
		t.Fatal("expected decode failure on mismatched capabilities")
	}
}

func TestMatchingContextProducesSymmetricKeys(t *testing.T) {
	init, resp := loopbackHandshake(t)
	baseTx, baseRx, err := init.TransportKeys()
	if err != nil {
		t.Fatal(err)
	}
	respTx, respRx, err := resp.TransportKeys()
	if err != nil {
		t.Fatal(err)
	}
	templateID := []byte("template-a")
	caps := Caps{Features: []string{"h2"}}

	initKeys, err := OpenNoiseBootstrap(baseTx, baseRx, init, templateID, caps, nil)
	if err != nil {
		t.Fatal(err)
	}
	respKeys, err := OpenNoiseBootstrap(respTx, respRx, resp, templateID, caps, nil)
	if err != nil {
		t.Fatal(err)
	}

	ct, err := aeadcrypto.Seal(initKeys.TxKey, 0, nil, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := aeadcrypto.Open(respKeys.RxKey, 0, nil, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello" {
		t.Fatalf("got %q", pt)
	}
}

func TestExporterOnlyModeAssignsOppositeKeys(t *testing.T) {
	fe := fakeExporter{}
	templateID := []byte("template-b")
	caps := Caps{}

	clientKeys, err := OpenExporterOnly(fe, templateID, caps, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	serverKeys, err := OpenExporterOnly(fe, templateID, caps, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if clientKeys.TxKey != serverKeys.RxKey || clientKeys.RxKey != serverKeys.TxKey {
		t.Fatal("exporter-only keys not symmetric across roles")
	}
}

type fakeExporter struct{}

func (fakeExporter) Export(label, context []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, append(append([]byte{}, label...), context...))
	return out, nil
}
