package transport

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Credentials produces SSH authentication methods. The closer returned
// alongside releases resources such as an agent connection and is never
// nil.
type Credentials interface {
	AuthMethods() ([]ssh.AuthMethod, func() error, error)
}

func noopClose() error { return nil }

// Password authenticates with a plain password
type Password struct {
	Secret string
}

// AuthMethods implements Credentials.
func (p Password) AuthMethods() ([]ssh.AuthMethod, func() error, error) {
	return []ssh.AuthMethod{
		ssh.Password(p.Secret),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = p.Secret
			}
			return answers, nil
		}),
	}, noopClose, nil
}

// Agent authenticates with the keys held by the running ssh-agent found
// through SSH_AUTH_SOCK.
type Agent struct {
	// Socket overrides SSH_AUTH_SOCK when set
	Socket string
}

// AuthMethods implements Credentials.
func (a Agent) AuthMethods() ([]ssh.AuthMethod, func() error, error) {
	socket := a.Socket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, nil, fmt.Errorf("ssh agent requested but SSH_AUTH_SOCK is not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	client := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, conn.Close, nil
}

// KeyFile authenticates with a private key read from disk
type KeyFile struct {
	Path       string
	Passphrase string
	// PublicKeyPath optionally names the matching public key. When set the
	// key pair is checked for consistency before use.
	PublicKeyPath string
}

// AuthMethods implements Credentials.
func (k KeyFile) AuthMethods() ([]ssh.AuthMethod, func() error, error) {
	pem, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key %s: %w", k.Path, err)
	}

	if k.PublicKeyPath != "" {
		if err := checkPublicKey(signer, k.PublicKeyPath); err != nil {
			return nil, nil, err
		}
	}

	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noopClose, nil
}

func checkPublicKey(signer ssh.Signer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return fmt.Errorf("failed to parse public key %s: %w", path, err)
	}
	if string(pub.Marshal()) != string(signer.PublicKey().Marshal()) {
		return fmt.Errorf("public key %s does not match private key", path)
	}
	return nil
}
