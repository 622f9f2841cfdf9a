// Пакет blobstore — хранение файлов конспектов на диске.
// Ключи объектов имеют вид {YYYY}/{MM}/{uuid}{ext}, запись идёт
// через temp файл с fsync и атомарным rename.
package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store — интерфейс blob-хранилища файлов конспектов.
// Абстрагирует дисковую реализацию от сервисного слоя.
type Store interface {
	// Put записывает содержимое reader и возвращает ключ и размер.
	Put(reader io.Reader, originalFilename string) (key string, size int64, err error)
	// Get открывает объект для чтения. Вызывающий код обязан закрыть ReadCloser.
	Get(key string) (io.ReadCloser, error)
	// Delete удаляет объект. Отсутствующий объект — не ошибка.
	Delete(key string) error
	// Exists проверяет наличие объекта.
	Exists(key string) bool
}

// DiskStore — реализация Store поверх локальной файловой системы.
type DiskStore struct {
	// dataDir — корневая директория хранения (ED_BLOB_DIR)
	dataDir string
}

// New создаёт DiskStore. Создаёт директорию, если она не существует.
func New(dataDir string) (*DiskStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию данных %s: %w", dataDir, err)
	}
	return &DiskStore{dataDir: dataDir}, nil
}

// Put записывает данные из reader на диск.
// Ключ: {YYYY}/{MM}/{uuid}{ext} — префикс по дате раскладывает файлы
// по поддиректориям, UUID исключает коллизии имён.
//
// Паттерн: temp файл → запись → fsync → atomic rename.
// При ошибке temp файл удаляется.
func (s *DiskStore) Put(reader io.Reader, originalFilename string) (string, int64, error) {
	key := generateKey(originalFilename)
	fullPath := filepath.Join(s.dataDir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", 0, fmt.Errorf("ошибка создания директории: %w", err)
	}
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, reader)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return key, size, nil
}

// Get открывает объект для чтения.
func (s *DiskStore) Get(key string) (io.ReadCloser, error) {
	fullPath := filepath.Join(s.dataDir, filepath.FromSlash(key))

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("объект не найден: %s", key)
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s: %w", key, err)
	}
	return f, nil
}

// Delete удаляет объект с диска. Отсутствующий объект — не ошибка.
func (s *DiskStore) Delete(key string) error {
	fullPath := filepath.Join(s.dataDir, filepath.FromSlash(key))

	err := os.Remove(fullPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления объекта %s: %w", key, err)
	}
	return nil
}

// Exists проверяет наличие объекта на диске.
func (s *DiskStore) Exists(key string) bool {
	fullPath := filepath.Join(s.dataDir, filepath.FromSlash(key))
	_, err := os.Stat(fullPath)
	return err == nil
}

// generateKey генерирует ключ объекта: {YYYY}/{MM}/{uuid}{ext}.
// Расширение берётся из оригинального имени и приводится к нижнему регистру.
func generateKey(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	now := time.Now().UTC()
	return fmt.Sprintf("%04d/%02d/%s%s", now.Year(), int(now.Month()), uuid.New().String(), ext)
}
