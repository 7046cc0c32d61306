// Package document manages uploaded documents: content-addressed storage of
// their bytes, the per-collection parse and chunk configs, and turning a
// document into chunks.
package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/docvec/internal/blob"
	"github.com/kalambet/docvec/internal/chunker"
	"github.com/kalambet/docvec/internal/fault"
	"github.com/kalambet/docvec/internal/parser"
	"github.com/kalambet/docvec/internal/storage"
)

var ErrEmptyUpload = fault.Permanent(fault.KindValidation, fault.ReasonNone, "empty upload")

// UploadListener is told about every stored upload. The image pipeline uses
// it to schedule extraction; it must not block.
type UploadListener interface {
	DocumentUploaded(ctx context.Context, doc storage.Document)
}

// Service is the document side of the Entity Store plus BLOB storage.
type Service struct {
	store     *storage.Store
	blobs     blob.Store
	listeners []UploadListener
	logger    *slog.Logger
}

func NewService(store *storage.Store, blobs blob.Store) *Service {
	return &Service{store: store, blobs: blobs, logger: slog.Default()}
}

// OnUpload registers l for upload notifications.
func (s *Service) OnUpload(l UploadListener) {
	s.listeners = append(s.listeners, l)
}

// Upload is one incoming document.
type Upload struct {
	Name   string
	Data   []byte
	Source string
	// Force replaces the bytes of an existing document with the same name.
	Force bool
}

// Hash returns the hex SHA-256 of data, the identity of a document's content.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upload validates, stores and registers a document. Content already stored
// under any name is a conflict, as is a name already taken unless Force is
// set, in which case the existing document's content is replaced.
func (s *Service) Upload(ctx context.Context, u Upload) (storage.Document, error) {
	doc, err := s.upload(ctx, u)
	if err != nil {
		return storage.Document{}, fault.At(fault.StageUpload, err)
	}
	for _, l := range s.listeners {
		l.DocumentUploaded(ctx, doc)
	}
	return doc, nil
}

func (s *Service) upload(ctx context.Context, u Upload) (storage.Document, error) {
	if len(u.Data) == 0 {
		return storage.Document{}, fmt.Errorf("%s: %w", u.Name, ErrEmptyUpload)
	}
	name := filepath.Base(strings.TrimSpace(u.Name))
	ext := parser.NormalizeFormat(filepath.Ext(name))
	if !parser.Supported(ext) {
		return storage.Document{}, fmt.Errorf("%s: %w", name, parser.ErrUnsupportedFormat)
	}
	if _, err := parser.Parse(u.Data, ext, parser.DefaultConfig()); err != nil {
		return storage.Document{}, fmt.Errorf("validating %s: %w", name, err)
	}

	hash := Hash(u.Data)
	if dup, err := s.store.GetDocumentByHash(hash); err == nil {
		return storage.Document{}, fmt.Errorf("content of %s already uploaded as %s: %w", name, dup.Name, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, err
	}

	existing, err := s.store.GetDocumentByName(name)
	switch {
	case err == nil && !u.Force:
		return storage.Document{}, fmt.Errorf("document %s: %w", name, storage.ErrConflict)
	case err == nil:
		return s.replace(ctx, existing, u.Data, hash)
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Document{}, err
	}

	key, err := s.blobs.Put(ctx, blob.DocumentKey(hash, ext), u.Data, contentType(ext))
	if err != nil {
		return storage.Document{}, fmt.Errorf("storing %s: %w", name, err)
	}
	doc := storage.Document{
		ID:     uuid.NewString(),
		Name:   name,
		Path:   key,
		Ext:    ext,
		Hash:   hash,
		Source: u.Source,
	}
	if err := s.store.CreateDocument(doc); err != nil {
		s.dropBlob(ctx, key)
		return storage.Document{}, fmt.Errorf("registering %s: %w", name, err)
	}
	s.logger.Info("document uploaded", "document_id", doc.ID, "name", name, "hash", hash)
	return s.store.GetDocument(doc.ID)
}

func (s *Service) replace(ctx context.Context, doc storage.Document, data []byte, hash string) (storage.Document, error) {
	key, err := s.blobs.Put(ctx, blob.DocumentKey(hash, doc.Ext), data, contentType(doc.Ext))
	if err != nil {
		return storage.Document{}, fmt.Errorf("storing %s: %w", doc.Name, err)
	}
	if err := s.store.ReplaceDocumentContent(doc.ID, key, hash); err != nil {
		s.dropBlob(ctx, key)
		return storage.Document{}, fmt.Errorf("replacing %s: %w", doc.Name, err)
	}
	if doc.Path != key {
		s.dropBlob(ctx, doc.Path)
	}
	s.logger.Info("document replaced", "document_id", doc.ID, "name", doc.Name, "hash", hash)
	return s.store.GetDocument(doc.ID)
}

func (s *Service) dropBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		s.logger.Warn("removing blob failed", "key", key, "error", err)
	}
}

func contentType(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "html":
		return "text/html"
	case "csv":
		return "text/csv"
	default:
		return "text/plain"
	}
}

func (s *Service) Get(id string) (storage.Document, error) {
	return s.store.GetDocument(id)
}

func (s *Service) List() ([]storage.Document, error) {
	return s.store.ListDocuments()
}

// Content reads the stored bytes of doc.
func (s *Service) Content(ctx context.Context, doc storage.Document) ([]byte, error) {
	data, err := s.blobs.Get(ctx, doc.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", doc.Name, err)
	}
	return data, nil
}

// Remove deletes the document row, which cascades to its configs and
// images, then the stored bytes of the document and its images. Vectors are
// not touched; removing them is the caller's job and must happen first.
func (s *Service) Remove(ctx context.Context, doc storage.Document) error {
	images, err := s.store.ListImages(doc.ID)
	if err != nil {
		return fmt.Errorf("listing images of %s: %w", doc.Name, err)
	}
	if err := s.store.DeleteDocument(doc.ID); err != nil {
		return fmt.Errorf("deleting %s: %w", doc.Name, err)
	}
	s.dropBlob(ctx, doc.Path)
	for _, img := range images {
		s.dropBlob(ctx, img.Path)
	}
	s.logger.Info("document removed", "document_id", doc.ID, "images", len(images))
	return nil
}

// Parse runs the parser over doc.
func (s *Service) Parse(ctx context.Context, doc storage.Document, cfg parser.Config) (parser.Output, error) {
	data, err := s.Content(ctx, doc)
	if err != nil {
		return parser.Output{}, err
	}
	return parser.Parse(data, doc.Ext, cfg)
}

// Chunk parses doc and chunks every parsed section in order.
func (s *Service) Chunk(ctx context.Context, doc storage.Document, pc parser.Config, cc chunker.Config, emb chunker.Embedder) ([]string, error) {
	out, err := s.Parse(ctx, doc, pc)
	if err != nil {
		return nil, fault.At(fault.StageParsing, err)
	}
	return s.ChunkOutput(ctx, doc, out, cc, emb)
}

// ChunkOutput chunks already parsed sections. Chunks of a later section
// always follow those of an earlier one.
func (s *Service) ChunkOutput(ctx context.Context, doc storage.Document, out parser.Output, cc chunker.Config, emb chunker.Embedder) ([]string, error) {
	var chunks []string
	for i, section := range out.Sections {
		if strings.TrimSpace(section) == "" {
			continue
		}
		cs, err := chunker.Chunk(ctx, section, cc, emb)
		if err != nil {
			return nil, fault.At(fault.StageChunking, fmt.Errorf("section %d: %w", i, err))
		}
		chunks = append(chunks, cs...)
	}
	if len(chunks) == 0 {
		return nil, fault.At(fault.StageChunking, fmt.Errorf("%s: %w", doc.Name, chunker.ErrEmptyOutput))
	}
	return chunks, nil
}

// Preview is the result of chunking without embedding.
type Preview struct {
	Chunks []string `json:"chunks"`
	Total  int      `json:"total"`
}

// Preview chunks doc with the given configs and returns the chunks.
func (s *Service) Preview(ctx context.Context, documentID string, pc parser.Config, cc chunker.Config, emb chunker.Embedder) (Preview, error) {
	doc, err := s.store.GetDocument(documentID)
	if err != nil {
		return Preview{}, fmt.Errorf("document %s: %w", documentID, err)
	}
	chunks, err := s.Chunk(ctx, doc, pc, cc, emb)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Chunks: chunks, Total: len(chunks)}, nil
}
