package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloudlink/internal/cloudapi"
	"github.com/tonimelisma/cloudlink/internal/sessionstore"
)

// sessionMaxAge is how long a stored upload session stays usable; session
// URIs expire server-side after about a week.
const sessionMaxAge = 7 * 24 * time.Hour

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <local-file> <object-name>",
		Short: "Upload a file through a resumable session",
		Long: `Upload a local file in fixed-size chunks through a resumable upload
session. The session URL and acknowledged offset are recorded locally, so an
interrupted upload continues where it stopped the next time the same file
and object name are uploaded. Use --restart to abandon a recorded session.`,
		Args: cobra.ExactArgs(2),
		RunE: runUpload,
	}

	cmd.Flags().String("collection", "", "collection path the object is created under (e.g. /b/my-bucket/o)")
	cmd.Flags().String("content-type", "", "object content type (guessed from the extension if empty)")
	cmd.Flags().Bool("restart", false, "cancel any recorded session and start over")

	if err := cmd.MarkFlagRequired("collection"); err != nil {
		panic(err)
	}

	return cmd
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded resumable upload sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
}

// uploadRequest groups the inputs of one upload.
type uploadRequest struct {
	localPath   string
	objectName  string
	collection  string
	contentType string
	restart     bool
}

func runUpload(cmd *cobra.Command, args []string) error {
	req := uploadRequest{objectName: args[1]}

	var err error
	if req.localPath, err = filepath.Abs(args[0]); err != nil {
		return err
	}

	if req.collection, err = cmd.Flags().GetString("collection"); err != nil {
		return err
	}

	if req.contentType, err = cmd.Flags().GetString("content-type"); err != nil {
		return err
	}

	if req.restart, err = cmd.Flags().GetBool("restart"); err != nil {
		return err
	}

	if req.contentType == "" {
		req.contentType = mime.TypeByExtension(filepath.Ext(req.localPath))
	}

	return runWithAPI(cmd, func(ctx context.Context, cc *CLIContext, rt *apiRuntime) error {
		store, err := sessionstore.Open(ctx, cc.Cfg.SessionDB, cc.Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if n, err := store.PurgeOlderThan(ctx, sessionMaxAge); err != nil {
			cc.Logger.Warn("purging stale upload sessions", slog.String("error", err.Error()))
		} else if n > 0 {
			cc.Logger.Info("purged stale upload sessions", slog.Int64("count", n))
		}

		u := &uploader{cc: cc, client: rt.client, store: store}

		object, err := u.upload(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				cc.Statusf("Upload interrupted; run the same command again to resume\n")
			}

			return err
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out, object)
		}

		cc.Statusf("Uploaded %s as %s\n", filepath.Base(req.localPath), req.objectName)

		return nil
	})
}

// uploader drives one resumable upload and keeps the session ledger
// current.
type uploader struct {
	cc     *CLIContext
	client *cloudapi.Client
	store  *sessionstore.Store
}

func (u *uploader) upload(ctx context.Context, req uploadRequest) (json.RawMessage, error) {
	f, err := os.Open(req.localPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	total := info.Size()

	session, err := u.session(ctx, req, total)
	if err != nil {
		return nil, err
	}

	if session.State() == cloudapi.UploadComplete {
		return u.finish(ctx, req, session.Object())
	}

	if off := session.Offset(); off > 0 {
		u.cc.Statusf("Resuming at %s of %s\n", formatSize(off), formatSize(total))

		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, err
		}
	}

	object, err := u.client.UploadStreaming(ctx, session, f, cloudapi.UploadOptions{
		Progress: func(offset int64) {
			u.progress(req, offset, total)
		},
	})
	if err != nil {
		if session.State() == cloudapi.UploadFailed {
			u.forget(req)
		}

		return nil, err
	}

	return u.finish(ctx, req, object)
}

// session returns a usable session, resuming a recorded one when the
// server still knows it.
func (u *uploader) session(ctx context.Context, req uploadRequest, total int64) (*cloudapi.UploadSession, error) {
	rec, err := u.store.Get(ctx, req.localPath, req.objectName)

	switch {
	case errors.Is(err, sessionstore.ErrNotFound):
	case err != nil:
		return nil, err
	case req.restart || rec.Total != total:
		old := cloudapi.ResumeUploadSession(rec.URL, rec.Total, rec.Offset)
		if cancelErr := u.client.CancelUploadSession(ctx, old); cancelErr != nil {
			u.cc.Logger.Warn("canceling recorded upload session", slog.String("error", cancelErr.Error()))
		}

		u.forget(req)
	default:
		s := cloudapi.ResumeUploadSession(rec.URL, rec.Total, rec.Offset)

		_, qErr := u.client.QueryUploadStatus(ctx, s)
		if qErr == nil {
			return s, nil
		}

		if !errors.Is(qErr, cloudapi.ErrNotFound) && !errors.Is(qErr, cloudapi.ErrGone) {
			return nil, qErr
		}

		u.cc.Logger.Info("recorded upload session expired, starting over")
		u.forget(req)
	}

	s, err := u.client.StartUploadSession(ctx, req.collection, req.objectName, req.contentType, total)
	if err != nil {
		return nil, err
	}

	if err := u.store.Save(ctx, sessionstore.Session{
		LocalPath:  req.localPath,
		ObjectName: req.objectName,
		URL:        s.URL,
		Total:      total,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (u *uploader) progress(req uploadRequest, offset, total int64) {
	// The ledger must survive cancellation of the upload context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := u.store.UpdateOffset(ctx, req.localPath, req.objectName, offset); err != nil {
		u.cc.Logger.Warn("recording upload offset", slog.String("error", err.Error()))
	}

	pct := "?"
	if total > 0 {
		pct = strconv.FormatInt(offset*100/total, 10)
	}

	u.cc.Statusf("\r%s / %s (%s%%)", formatSize(offset), formatSize(total), pct)

	if offset == total {
		u.cc.Statusf("\n")
	}
}

func (u *uploader) finish(ctx context.Context, req uploadRequest, object json.RawMessage) (json.RawMessage, error) {
	if err := u.store.Delete(ctx, req.localPath, req.objectName); err != nil {
		return nil, err
	}

	return object, nil
}

func (u *uploader) forget(req uploadRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := u.store.Delete(ctx, req.localPath, req.objectName); err != nil {
		u.cc.Logger.Warn("removing upload session record", slog.String("error", err.Error()))
	}
}

func runSessions(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := sessionstore.Open(ctx, cc.Cfg.SessionDB, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.List(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		type sessionOutput struct {
			LocalPath  string    `json:"local_path"`
			ObjectName string    `json:"object_name"`
			Total      int64     `json:"total"`
			Offset     int64     `json:"offset"`
			UpdatedAt  time.Time `json:"updated_at"`
		}

		out := make([]sessionOutput, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionOutput{s.LocalPath, s.ObjectName, s.Total, s.Offset, s.UpdatedAt})
		}

		return printJSON(cc.Out, out)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(cc.Out, "No recorded upload sessions.")
		return nil
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.ObjectName,
			s.LocalPath,
			formatSize(s.Offset) + " / " + formatSize(s.Total),
			s.UpdatedAt.Format(time.RFC3339),
		})
	}

	printTable(cc.Out, []string{"OBJECT", "LOCAL", "PROGRESS", "UPDATED"}, rows)

	return nil
}
