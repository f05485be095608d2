package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// createSFTPClient opens an SFTP subsystem on the current connection.
func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:            "sftp-init",
			Err:           fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary:   true,
			IsUnreachable: IsUnreachable(err),
		}
	}

	return sftpClient, nil
}

// UploadFile copies a local file to remotePath. Parent directories are
// created as needed and the remote file is chmod'ed to mode when non-zero.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error) {
	startTime := time.Now()

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Str("host", c.config.Host).
		Msg("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return nil, &TransportError{
			Op:  "upload",
			Err: fmt.Errorf("failed to open local file: %w", err),
		}
	}
	defer localFile.Close()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, &TransportError{
				Op:  "upload",
				Err: fmt.Errorf("failed to create remote directory %s: %w", dir, err),
			}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:            "upload",
			Err:           fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary:   true,
			IsUnreachable: IsUnreachable(err),
		}
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, &TransportError{
			Op:            "upload",
			Err:           fmt.Errorf("failed after %d bytes: %w", written, err),
			IsTemporary:   true,
			IsUnreachable: IsUnreachable(err),
		}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set remote file mode")
		}
	}

	result := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(startTime),
		RemotePath:       remotePath,
	}

	log.Info().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", result.Duration).
		Msg("file uploaded")

	return result, nil
}

// RemoteFileSize returns the size of remotePath in bytes.
func (c *SSHClient) RemoteFileSize(ctx context.Context, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return 0, err
	}
	defer sftpClient.Close()

	info, err := sftpClient.Stat(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:            "stat",
			Err:           err,
			IsUnreachable: IsUnreachable(err),
		}
	}

	return info.Size(), nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}
