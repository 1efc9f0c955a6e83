package protocol_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jinford/protocol-rag/internal/core/intake"
	"github.com/jinford/protocol-rag/internal/core/protocol"
	"github.com/jinford/protocol-rag/internal/infra/filestore"
	"github.com/jinford/protocol-rag/internal/infra/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing file")

// memFiles はキーとバイト列を保持するファイルストア
type memFiles struct {
	files   map[string][]byte
	removed []string
}

func newMemFiles() *memFiles {
	return &memFiles{files: map[string][]byte{}}
}

func (m *memFiles) stage(data []byte) string {
	key := "staging/" + uuid.NewString() + ".pdf"
	m.files[key] = data
	return key
}

func (m *memFiles) Read(_ context.Context, key string) ([]byte, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, errMissing
	}
	return data, nil
}

func (m *memFiles) Promote(_ context.Context, stagedKey string) (string, error) {
	data, ok := m.files[stagedKey]
	if !ok {
		return "", errMissing
	}
	delete(m.files, stagedKey)
	key := strings.Replace(stagedKey, "staging/", "protocols/", 1)
	m.files[key] = data
	return key, nil
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

func (memFile) ModTime() time.Time { return time.Time{} }

func (m *memFiles) Open(_ context.Context, key string) (protocol.File, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, errMissing
	}
	return memFile{bytes.NewReader(data)}, nil
}

func (m *memFiles) Remove(_ context.Context, key string) error {
	delete(m.files, key)
	m.removed = append(m.removed, key)
	return nil
}

// pagesExtractor はデータをフォームフィードでページに分割する
type pagesExtractor struct{}

func (pagesExtractor) Extract(_ context.Context, data []byte) (*intake.Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: not a pdf", intake.ErrExtractionFailed)
	}
	doc := &intake.Document{}
	for i, text := range strings.Split(string(data[len("%PDF-"):]), "\f") {
		doc.Pages = append(doc.Pages, intake.PageText{Number: i + 1, Text: text})
	}
	return doc, nil
}

type fixture struct {
	svc   *protocol.Service
	store *memory.Store
	files *memFiles
	owner uuid.UUID
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(4),
		files: newMemFiles(),
		owner: uuid.New(),
		now:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = protocol.NewService(f.store, f.files, pagesExtractor{},
		protocol.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		protocol.WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) create(t *testing.T, name string, pages ...string) *protocol.Protocol {
	t.Helper()
	key := f.files.stage([]byte("%PDF-" + strings.Join(pages, "\f")))
	p, err := f.svc.Create(t.Context(), protocol.CreateParams{
		OwnerID:          f.owner,
		Name:             name,
		Category:         "Obstétrique",
		StoredFile:       key,
		OriginalFilename: name + ".pdf",
	})
	require.NoError(t, err)
	return p
}

func TestService_CreateStoresPagesAndPromotesFile(t *testing.T) {
	f := newFixture(t)
	key := f.files.stage([]byte("%PDF-page one\fpage two\fpage three"))

	p, err := f.svc.Create(t.Context(), protocol.CreateParams{
		OwnerID:          f.owner,
		Name:             "  HPP  ",
		Description:      " Hémorragie ",
		StoredFile:       key,
		OriginalFilename: "hpp.pdf",
	})
	require.NoError(t, err)

	assert.Equal(t, "HPP", p.Name)
	assert.Equal(t, "Hémorragie", p.Description)
	assert.Equal(t, protocol.DefaultCategory, p.Category)
	assert.Equal(t, protocol.StatusCreated, p.Status)
	assert.Equal(t, 3, p.PageCount)
	assert.Equal(t, f.now, p.CreatedAt)
	assert.True(t, strings.HasPrefix(p.StoredFile, "protocols/"))
	assert.NotContains(t, f.files.files, key)

	pages, err := f.store.ListPages(t.Context(), p.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "page three", pages[2].Text)
}

func TestService_CreateValidation(t *testing.T) {
	f := newFixture(t)
	staged := f.files.stage([]byte("%PDF-text"))

	tests := []struct {
		name   string
		params protocol.CreateParams
		want   error
	}{
		{name: "施術者なし", params: protocol.CreateParams{Name: "x", StoredFile: staged}, want: protocol.ErrInvalidInput},
		{name: "名前が空白", params: protocol.CreateParams{OwnerID: f.owner, Name: "  ", StoredFile: staged}, want: protocol.ErrInvalidInput},
		{name: "ファイルなし", params: protocol.CreateParams{OwnerID: f.owner, Name: "x"}, want: protocol.ErrInvalidInput},
		{name: "未ステージング", params: protocol.CreateParams{OwnerID: f.owner, Name: "x", StoredFile: "staging/unknown.pdf"}, want: protocol.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(t.Context(), tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// 抽出できないファイルは ExtractionFailed
	bad := f.files.stage([]byte("not a pdf"))
	_, err := f.svc.Create(t.Context(), protocol.CreateParams{OwnerID: f.owner, Name: "x", StoredFile: bad})
	assert.ErrorIs(t, err, intake.ErrExtractionFailed)

	blank := f.files.stage([]byte("%PDF-   \f  "))
	_, err = f.svc.Create(t.Context(), protocol.CreateParams{OwnerID: f.owner, Name: "x", StoredFile: blank})
	assert.ErrorIs(t, err, intake.ErrExtractionFailed)
	assert.Contains(t, f.files.files, blank, "抽出に失敗したファイルは昇格しない")
}

func TestService_CreateRejectsPromotedKey(t *testing.T) {
	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	svc := protocol.NewService(memory.NewStore(4), files, pagesExtractor{},
		protocol.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	owner := uuid.New()

	staged, err := files.Stage(t.Context(), []byte("%PDF-texte"))
	require.NoError(t, err)
	p, err := svc.Create(t.Context(), protocol.CreateParams{OwnerID: owner, Name: "HPP", StoredFile: staged})
	require.NoError(t, err)

	// 登録済みファイルのキーを再利用しても昇格できない
	_, err = svc.Create(t.Context(), protocol.CreateParams{OwnerID: owner, Name: "Copie", StoredFile: p.StoredFile})
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)
	assert.ErrorIs(t, err, filestore.ErrInvalidKey)
}

func TestService_OwnershipIsEnforced(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, "HPP", "text")
	stranger := uuid.New()

	_, err := f.svc.Get(t.Context(), stranger, p.ID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	name := "Pris"
	_, err = f.svc.UpdateMetadata(t.Context(), stranger, p.ID, protocol.MetadataUpdate{Name: &name})
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	assert.ErrorIs(t, f.svc.Delete(t.Context(), stranger, p.ID), protocol.ErrNotFound)

	_, _, err = f.svc.OpenFile(t.Context(), stranger, p.ID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)

	list, err := f.svc.List(t.Context(), stranger)
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := f.svc.Get(t.Context(), f.owner, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "HPP", got.Name)
}

func TestService_UpdateMetadata(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, "HPP", "text")

	unchanged, err := f.svc.UpdateMetadata(t.Context(), f.owner, p.ID, protocol.MetadataUpdate{})
	require.NoError(t, err)
	assert.Equal(t, "HPP", unchanged.Name)

	empty := " "
	_, err = f.svc.UpdateMetadata(t.Context(), f.owner, p.ID, protocol.MetadataUpdate{Name: &empty})
	assert.ErrorIs(t, err, protocol.ErrInvalidInput)

	name, category := " Hémorragie du post-partum ", ""
	updated, err := f.svc.UpdateMetadata(t.Context(), f.owner, p.ID, protocol.MetadataUpdate{Name: &name, Category: &category})
	require.NoError(t, err)
	assert.Equal(t, "Hémorragie du post-partum", updated.Name)
	assert.Equal(t, protocol.DefaultCategory, updated.Category)
	assert.Equal(t, protocol.StatusCreated, updated.Status)
}

func TestService_DeleteRemovesRecordAndFile(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, "HPP", "text")

	require.NoError(t, f.svc.Delete(t.Context(), f.owner, p.ID))

	_, err := f.svc.Get(t.Context(), f.owner, p.ID)
	assert.ErrorIs(t, err, protocol.ErrNotFound)
	assert.Equal(t, []string{p.StoredFile}, f.files.removed)
	assert.NotContains(t, f.files.files, p.StoredFile)
}

func TestService_OpenFile(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, "HPP", "page one")

	got, file, err := f.svc.OpenFile(t.Context(), f.owner, p.ID)
	require.NoError(t, err)
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-page one", string(data))
	assert.Equal(t, p.ID, got.ID)
}

func TestService_ListChunksEmptyBeforeProcessing(t *testing.T) {
	f := newFixture(t)
	p := f.create(t, "HPP", "text")

	chunks, err := f.svc.ListChunks(t.Context(), f.owner, p.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
