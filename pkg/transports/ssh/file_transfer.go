package ssh

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// WriteFile writes content to a file on the remote host via SFTP. Parent
// directories must already exist; the bootstrap sequence creates them
// before any upload happens.
func (c *Client) WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) error {
	sshClient, err := c.sshClient()
	if err != nil {
		return err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create sftp client: %w", err),
			IsTemporary: true,
		}
	}
	defer sftpClient.Close()

	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	if _, err := remoteFile.Write(content); err != nil {
		_ = remoteFile.Close()
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to write %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}
	if err := remoteFile.Close(); err != nil {
		return &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to close %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to chmod %s: %w", remotePath, err),
		}
	}

	log.Debug().
		Str("remote_path", remotePath).
		Int("bytes", len(content)).
		Str("dir", path.Dir(remotePath)).
		Msg("uploaded file")

	return nil
}
