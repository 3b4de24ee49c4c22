package ssh

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// agentFileMode is the permission set for the uploaded agent binary.
const agentFileMode = 0o755

// Upload copies the agent binary to the server via SFTP and marks it
// executable.
func (t *Transport) Upload(ctx context.Context, localPath string, remotePath string) error {
	t.mu.Lock()
	client := t.client
	closed := t.closed
	t.mu.Unlock()

	if client == nil || closed {
		return &TransportError{Op: "upload", Err: fmt.Errorf("not connected")}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create sftp client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	defer local.Close()

	if dir := remoteDir(remotePath); dir != "" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create %s: %w", dir, err), IsTemporary: true}
		}
	}

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	n, err := io.Copy(remote, local)
	if closeErr := remote.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	if err := sftpClient.Chmod(remotePath, agentFileMode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err)}
	}

	log.Debug().
		Str("host", t.config.Host).
		Str("remote_path", remotePath).
		Int64("bytes", n).
		Msg("agent binary uploaded")
	return nil
}
