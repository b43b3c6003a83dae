// Package identity manages the node's long-lived ed25519 key pair and the
// peer id derived from it. The network package runs no connection
// handshake, so nothing signs or verifies per-connection data with this
// key; cmd/node loads it and logs its PeerID. Adapted from the teacher's wallet/keystore.go encrypted
// keystore format, repointed at a single node key instead of a wallet
// holding many account keys.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/tolchain/fullnode/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations follows the teacher's keystore.go constant.
const pbkdf2Iterations = 210_000

type keystoreFile struct {
	PubKey     string `json:"pub_key"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// Identity is a node's signing key pair plus its derived peer id.
type Identity struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// Generate creates a fresh node identity.
func Generate() (*Identity, error) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// PeerID is the node's address on the network — the same short hash used
// elsewhere in the pack to identify an account, here naming a connection
// endpoint instead.
func (id *Identity) PeerID() string {
	return id.pub.Address()
}

// PublicKeyHex returns the identity's hex-encoded public key, the form
// Verify accepts.
func (id *Identity) PublicKeyHex() string {
	return id.pub.Hex()
}

// Sign signs an arbitrary payload and returns a hex-encoded signature.
func (id *Identity) Sign(msg []byte) string {
	return crypto.Sign(id.priv, msg)
}

// Verify checks a hex-encoded signature against the claimed public key
// (hex-encoded, as PublicKeyHex returns it).
func Verify(pubKeyHex string, msg []byte, sigHex string) error {
	pub, err := crypto.PubKeyFromHex(pubKeyHex)
	if err != nil {
		return err
	}
	return crypto.Verify(pub, msg, sigHex)
}

// Save encrypts the identity's private key with password (PBKDF2-HMAC-
// SHA256 + AES-GCM) and writes it to path.
func (id *Identity) Save(path, password string) error {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	key := deriveKey(password, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return err
	}
	cipherText := gcm.Seal(nil, nonce, id.priv, nil)

	ks := keystoreFile{
		PubKey:     id.pub.Hex(),
		Salt:       hex.EncodeToString(salt),
		Nonce:      hex.EncodeToString(nonce),
		CipherText: hex.EncodeToString(cipherText),
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load decrypts the identity keystore at path using password.
func Load(path, password string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(ks.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(ks.Nonce)
	if err != nil {
		return nil, err
	}
	cipherText, err := hex.DecodeString(ks.CipherText)
	if err != nil {
		return nil, err
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	privBytes, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, errors.New("wrong password or corrupted keystore")
	}
	priv := crypto.PrivateKey(privBytes)
	return &Identity{priv: priv, pub: priv.Public()}, nil
}

// LoadOrGenerate loads the keystore at path, creating and saving a fresh
// identity if none exists yet — the usual first-run path for a new node.
func LoadOrGenerate(path, password string) (*Identity, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path, password); err != nil {
			return nil, err
		}
		return id, nil
	}
	return Load(path, password)
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)
}
