package blocks

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/blockflow/blockflow/pkg/engine"
)

const domainSFTP = "sftp"

// SFTPConfig holds the connection settings of an sftp_upload block.
type SFTPConfig struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys.
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file. When empty, host
	// keys are not verified.
	KnownHostsPath string

	// ConnectionTimeout is the timeout for establishing a connection.
	ConnectionTimeout time.Duration
}

// Validate checks if the configuration is valid.
func (c *SFTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.Password == "" && c.PrivateKeyPath == "" {
		return fmt.Errorf("password or private_key_path is required")
	}
	return nil
}

// Address returns the formatted SSH address (host:port).
func (c *SFTPConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ClientConfig creates an ssh.ClientConfig from the settings.
func (c *SFTPConfig) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if c.PrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
		// Many servers prompt for the password through keyboard-interactive.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// SFTPDialer opens an SFTP session. The returned closer releases the session
// and its underlying transport.
type SFTPDialer func(ctx context.Context, cfg SFTPConfig) (*sftp.Client, io.Closer, error)

type sftpSession struct {
	sftp *sftp.Client
	ssh  *ssh.Client
}

func (s *sftpSession) Close() error {
	_ = s.sftp.Close()
	return s.ssh.Close()
}

func dialSFTP(ctx context.Context, cfg SFTPConfig) (*sftp.Client, io.Closer, error) {
	clientConfig, err := cfg.ClientConfig()
	if err != nil {
		return nil, nil, err
	}

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", cfg.Address(), err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to establish SSH connection: %w", err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return sftpClient, &sftpSession{sftp: sftpClient, ssh: sshClient}, nil
}

type sftpUploadBlock struct {
	cfg        SFTPConfig
	remotePath string
	dial       SFTPDialer
	opts       Options
}

func sftpFactory(o Options) engine.Factory {
	return func(cfg engine.Config) (engine.Executor, error) {
		var c SFTPConfig
		var err error
		if c.Host, err = cfg.RequireString("host"); err != nil {
			return nil, err
		}
		if c.Port, err = cfg.Int("port", 22); err != nil {
			return nil, err
		}
		if c.User, err = cfg.RequireString("user"); err != nil {
			return nil, err
		}
		if c.Password, err = cfg.String("password", ""); err != nil {
			return nil, err
		}
		if c.PrivateKeyPath, err = cfg.String("private_key_path", ""); err != nil {
			return nil, err
		}
		if c.PrivateKeyPassphrase, err = cfg.String("private_key_passphrase", ""); err != nil {
			return nil, err
		}
		if c.KnownHostsPath, err = cfg.String("known_hosts_path", ""); err != nil {
			return nil, err
		}
		if c.ConnectionTimeout, err = cfg.Duration("connect_timeout", 30*time.Second); err != nil {
			return nil, err
		}
		remote, err := cfg.RequireString("remote_path")
		if err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, &engine.ConfigError{Message: "invalid connection settings", Err: err}
		}

		return &sftpUploadBlock{cfg: c, remotePath: remote, dial: o.SFTPDialer, opts: o}, nil
	}
}

func (b *sftpUploadBlock) Execute(ctx context.Context, in engine.Value) (engine.Value, error) {
	logger := b.opts.Logger.With().Str("host", b.cfg.Address()).Str("remote_path", b.remotePath).Logger()

	client, closer, err := b.dial(ctx, b.cfg)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainSFTP, "connect_failed", err.Error()).
			WithDetail("host", b.cfg.Host).
			Wrap(err)
	}
	defer closer.Close()

	if dir := path.Dir(b.remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return engine.Value{}, engine.NewBlockError(domainSFTP, "mkdir_failed", err.Error()).
				WithDetail("path", dir).
				Wrap(err)
		}
	}

	f, err := client.Create(b.remotePath)
	if err != nil {
		return engine.Value{}, engine.NewBlockError(domainSFTP, "create_failed", err.Error()).
			WithDetail("path", b.remotePath).
			Wrap(err)
	}
	n, err := f.Write([]byte(in.String()))
	if err != nil {
		_ = f.Close()
		return engine.Value{}, engine.NewBlockError(domainSFTP, "write_failed", err.Error()).
			WithDetail("path", b.remotePath).
			Wrap(err)
	}
	if err := f.Close(); err != nil {
		return engine.Value{}, engine.NewBlockError(domainSFTP, "write_failed", err.Error()).
			WithDetail("path", b.remotePath).
			Wrap(err)
	}

	logger.Debug().Int("bytes", n).Msg("uploaded file")
	return engine.Text(b.remotePath), nil
}
