package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jaysurse/edu-desk/internal/domain/model"
	"github.com/jaysurse/edu-desk/internal/repository"
)

// In-memory фейки репозиториев и blob-хранилища для handler-тестов.

// fakeNoteRepo — in-memory реализация repository.NoteRepository.
type fakeNoteRepo struct {
	mu    sync.Mutex
	notes map[string]*model.Note
}

func newFakeNoteRepo() *fakeNoteRepo {
	return &fakeNoteRepo{notes: map[string]*model.Note{}}
}

func (f *fakeNoteRepo) Create(_ context.Context, n *model.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.notes[n.ID]; ok {
		return repository.ErrConflict
	}
	cp := *n
	f.notes[n.ID] = &cp
	return nil
}

func (f *fakeNoteRepo) GetByID(_ context.Context, id string) (*model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNoteRepo) List(_ context.Context, params repository.ListParams) ([]*model.Note, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Note
	for _, n := range f.notes {
		if n.IsDeleted && !params.IncludeDeleted {
			continue
		}
		if params.Subject != "" && n.Subject != params.Subject {
			continue
		}
		if params.Department != "" && n.Department != params.Department {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, len(result), nil
}

func (f *fakeNoteRepo) ListRecent(_ context.Context, limit int) ([]*model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Note
	for _, n := range f.notes {
		if n.IsDeleted || n.Status != model.NoteStatusPublished {
			continue
		}
		cp := *n
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeNoteRepo) Update(_ context.Context, id string, patch model.NotePatch) (*model.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok || n.IsDeleted {
		return nil, repository.ErrNotFound
	}
	if patch.Title != nil {
		n.Title = *patch.Title
	}
	if patch.Subject != nil {
		n.Subject = *patch.Subject
	}
	if patch.Department != nil {
		n.Department = *patch.Department
	}
	n.Version++
	n.UpdatedAt = time.Now().UTC()
	cp := *n
	return &cp, nil
}

func (f *fakeNoteRepo) SoftDelete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return repository.ErrNotFound
	}
	n.IsDeleted = true
	return nil
}

func (f *fakeNoteRepo) IncrementDownloadCount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	n.DownloadCount++
	n.LastDownloadedAt = &now
	return nil
}

func (f *fakeNoteRepo) UniqueSubjects(context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeNoteRepo) UniqueDepartments(context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeNoteRepo) CountActive(context.Context) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count, totalBytes int64
	for _, n := range f.notes {
		if n.IsDeleted {
			continue
		}
		count++
		totalBytes += n.FileSize
	}
	return count, totalBytes, nil
}

func (f *fakeNoteRepo) UploaderAggregates(_ context.Context, limit int) ([]*model.UploaderAggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byUploader := map[string]*model.UploaderAggregate{}
	for _, n := range f.notes {
		if n.IsDeleted {
			continue
		}
		agg, ok := byUploader[n.UploaderID]
		if !ok {
			agg = &model.UploaderAggregate{UploaderID: n.UploaderID, Uploader: n.Uploader}
			byUploader[n.UploaderID] = agg
		}
		agg.Uploads++
		agg.TotalDownloads += n.DownloadCount
		agg.TotalSizeBytes += n.FileSize
	}
	result := make([]*model.UploaderAggregate, 0, len(byUploader))
	for _, agg := range byUploader {
		result = append(result, agg)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Uploads != result[j].Uploads {
			return result[i].Uploads > result[j].Uploads
		}
		return result[i].UploaderID < result[j].UploaderID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeNoteRepo) UploaderStats(ctx context.Context, uploaderID string) (*model.UploaderStats, error) {
	aggregates, _ := f.UploaderAggregates(ctx, 1<<30)
	for _, agg := range aggregates {
		if agg.UploaderID == uploaderID {
			return &model.UploaderStats{UploaderAggregate: *agg}, nil
		}
	}
	return nil, repository.ErrNotFound
}

// fakeBlobStore — in-memory реализация blobstore.Store.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(reader io.Reader, filename string) (string, int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	key := fmt.Sprintf("2025/01/obj-%d-%s", f.seq, filename)
	f.objects[key] = data
	return key, int64(len(data)), nil
}

func (f *fakeBlobStore) Get(key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("объект не найден: %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobStore) Exists(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

// fakeUsageRepo — in-memory реализация repository.UsageRepository.
type fakeUsageRepo struct {
	mu      sync.Mutex
	periods map[string]*model.UsagePeriod
	storage *model.StorageUsage
}

func newFakeUsageRepo() *fakeUsageRepo {
	return &fakeUsageRepo{periods: map[string]*model.UsagePeriod{}}
}

func (f *fakeUsageRepo) GetPeriod(_ context.Context, monthKey string) (*model.UsagePeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[monthKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeUsageRepo) EnsurePeriod(_ context.Context, monthKey string) (*model.UsagePeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.periods[monthKey]; !ok {
		now := time.Now().UTC()
		f.periods[monthKey] = &model.UsagePeriod{MonthKey: monthKey, CreatedAt: now, LastUpdated: now}
	}
	cp := *f.periods[monthKey]
	return &cp, nil
}

func (f *fakeUsageRepo) IncrementOperations(_ context.Context, monthKey string, classA, classB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[monthKey]
	if !ok {
		return repository.ErrNotFound
	}
	p.ClassAOperations += classA
	p.ClassBOperations += classB
	return nil
}

func (f *fakeUsageRepo) ResetPeriod(_ context.Context, monthKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.periods[monthKey]
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	p.ClassAOperations = 0
	p.ClassBOperations = 0
	p.ResetAt = &now
	return nil
}

func (f *fakeUsageRepo) GetStorage(_ context.Context) (*model.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage == nil {
		return nil, repository.ErrNotFound
	}
	cp := *f.storage
	return &cp, nil
}

func (f *fakeUsageRepo) EnsureStorage(_ context.Context) (*model.StorageUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage == nil {
		now := time.Now().UTC()
		f.storage = &model.StorageUsage{CreatedAt: now, LastUpdated: now}
	}
	cp := *f.storage
	return &cp, nil
}

func (f *fakeUsageRepo) AddStorageBytes(_ context.Context, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage == nil {
		return repository.ErrNotFound
	}
	f.storage.StorageBytes += delta
	return nil
}

func (f *fakeUsageRepo) SetStorageBytes(_ context.Context, bytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storage == nil {
		return repository.ErrNotFound
	}
	f.storage.StorageBytes = bytes
	return nil
}

// fakeCommunityRepo — in-memory реализация repository.CommunityRepository.
type fakeCommunityRepo struct {
	mu          sync.Mutex
	ratings     map[string]*model.Rating // ключ noteID+"/"+userID
	comments    map[string]*model.Comment
	favorites   map[string][]string // userID → noteIDs
	collections map[string]*model.Collection
	flags       map[string]*model.Flag
}

func newFakeCommunityRepo() *fakeCommunityRepo {
	return &fakeCommunityRepo{
		ratings:     map[string]*model.Rating{},
		comments:    map[string]*model.Comment{},
		favorites:   map[string][]string{},
		collections: map[string]*model.Collection{},
		flags:       map[string]*model.Flag{},
	}
}

func (f *fakeCommunityRepo) UpsertRating(_ context.Context, rating *model.Rating) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rating
	f.ratings[rating.NoteID+"/"+rating.UserID] = &cp
	return nil
}

func (f *fakeCommunityRepo) RatingSummary(_ context.Context, noteID string) (*model.RatingSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	summary := &model.RatingSummary{Distribution: map[int]int{}}
	var sum int
	for _, r := range f.ratings {
		if r.NoteID != noteID {
			continue
		}
		summary.Total++
		summary.Distribution[r.Value]++
		sum += r.Value
	}
	if summary.Total > 0 {
		summary.Average = float64(sum) / float64(summary.Total)
	}
	return summary, nil
}

func (f *fakeCommunityRepo) UserRating(_ context.Context, noteID, userID string) (*model.Rating, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.ratings[noteID+"/"+userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeCommunityRepo) CreateComment(_ context.Context, c *model.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.comments[c.ID] = &cp
	return nil
}

func (f *fakeCommunityRepo) ListComments(_ context.Context, noteID string, limit, offset int) ([]*model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Comment
	for _, c := range f.comments {
		if c.NoteID != noteID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeCommunityRepo) LikeComment(_ context.Context, commentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok {
		return repository.ErrNotFound
	}
	c.Likes++
	return nil
}

func (f *fakeCommunityRepo) DeleteComment(_ context.Context, commentID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[commentID]
	if !ok || c.UserID != userID {
		return repository.ErrNotFound
	}
	delete(f.comments, commentID)
	return nil
}

func (f *fakeCommunityRepo) AddFavorite(_ context.Context, userID, noteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.favorites[userID] {
		if id == noteID {
			return nil
		}
	}
	f.favorites[userID] = append(f.favorites[userID], noteID)
	return nil
}

func (f *fakeCommunityRepo) RemoveFavorite(_ context.Context, userID, noteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.favorites[userID]
	for i, id := range ids {
		if id == noteID {
			f.favorites[userID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeCommunityRepo) ListFavorites(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.favorites[userID]...), nil
}

func (f *fakeCommunityRepo) CreateCollection(_ context.Context, c *model.Collection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.collections[c.ID] = &cp
	return nil
}

func (f *fakeCommunityRepo) GetCollection(_ context.Context, id string) (*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCommunityRepo) ListCollections(_ context.Context, userID string) ([]*model.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Collection
	for _, c := range f.collections {
		if c.UserID != userID {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}

func (f *fakeCommunityRepo) UpdateCollectionNotes(_ context.Context, id, userID string, noteIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok || c.UserID != userID {
		return repository.ErrNotFound
	}
	c.NoteIDs = append([]string(nil), noteIDs...)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (f *fakeCommunityRepo) DeleteCollection(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok || c.UserID != userID {
		return repository.ErrNotFound
	}
	delete(f.collections, id)
	return nil
}

func (f *fakeCommunityRepo) CreateFlag(_ context.Context, flag *model.Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *flag
	f.flags[flag.ID] = &cp
	return nil
}

func (f *fakeCommunityRepo) ListFlags(_ context.Context, status string, limit, offset int) ([]*model.Flag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Flag
	for _, fl := range f.flags {
		if status != "" && fl.Status != status {
			continue
		}
		cp := *fl
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeCommunityRepo) ResolveFlag(_ context.Context, flagID, resolvedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.flags[flagID]
	if !ok || fl.Status != model.FlagStatusPending {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	fl.Status = model.FlagStatusResolved
	fl.ResolvedAt = &now
	fl.ResolvedBy = resolvedBy
	return nil
}

// Проверки реализации интерфейсов на этапе компиляции.
var (
	_ repository.NoteRepository      = (*fakeNoteRepo)(nil)
	_ repository.UsageRepository     = (*fakeUsageRepo)(nil)
	_ repository.CommunityRepository = (*fakeCommunityRepo)(nil)
)
