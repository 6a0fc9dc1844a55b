package builtin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tjfontaine/restspace-gateway/internal/core/domain"
	"github.com/tjfontaine/restspace-gateway/internal/core/ports"
	"github.com/tjfontaine/restspace-gateway/internal/message"
)

const defaultFileMime = "application/octet-stream"

func fileService() *ports.Service {
	return &ports.Service{
		Func: func(ctx context.Context, msg *message.Message, sctx *ports.ServiceContext, cfg *domain.ServiceConfig) (*message.Message, error) {
			files, ok := sctx.Adapter.(FileAdapter)
			if !ok {
				return nil, fmt.Errorf("service %s: adapter %T is not a file adapter", cfg.BasePath, sctx.Adapter)
			}
			path := msg.URL.ServicePath()

			switch msg.Method {
			case http.MethodGet, http.MethodHead:
				if msg.URL.IsDirectory {
					return listDirectory(ctx, files, msg, path)
				}
				data, info, err := files.Read(ctx, path)
				if err != nil {
					return nil, err
				}
				mimeType := info.MimeType
				if mimeType == "" {
					mimeType = defaultFileMime
				}
				body := message.NewBody(data, mimeType)
				body.DateModified = info.DateModified
				msg.SetBody(body)
				msg.Headers.Set("Last-Modified", info.DateModified.UTC().Format(http.TimeFormat))
				return msg, nil

			case http.MethodPut, http.MethodPost:
				if msg.URL.IsDirectory {
					return nil, domain.ErrInvalidRequest("cannot write to a directory")
				}
				var data []byte
				mimeType := msg.ContentType()
				if msg.Body != nil {
					data = msg.Body.Bytes()
				}
				if mimeType == "" {
					mimeType = defaultFileMime
				}
				created, err := files.Write(ctx, path, data, mimeType)
				if err != nil {
					return nil, err
				}
				msg.RemoveBody()
				if created {
					msg.Status = http.StatusCreated
					msg.Headers.Set("Location", msg.URL.Path())
				} else {
					msg.Status = http.StatusNoContent
				}
				return msg, nil

			case http.MethodDelete:
				if err := files.Delete(ctx, path); err != nil {
					return nil, err
				}
				msg.RemoveBody()
				msg.Status = http.StatusNoContent
				return msg, nil

			default:
				return nil, methodNotAllowed(msg)
			}
		},
	}
}

type directoryEntry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size,omitempty"`
	DateModified time.Time `json:"dateModified,omitzero"`
	MimeType     string    `json:"mimeType,omitempty"`
}

func listDirectory(ctx context.Context, files FileAdapter, msg *message.Message, path string) (*message.Message, error) {
	infos, err := files.List(ctx, path)
	if err != nil {
		return nil, err
	}
	entries := make([]directoryEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, directoryEntry{
			Name:         info.Path,
			Size:         info.Size,
			DateModified: info.DateModified,
			MimeType:     info.MimeType,
		})
	}
	body, err := message.BodyFromJSON(entries)
	if err != nil {
		return nil, err
	}
	body.MimeType = message.DirectoryMime
	msg.SetBody(body)
	return msg, nil
}
