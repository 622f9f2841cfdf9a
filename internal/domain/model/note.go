// Пакет model — доменные модели EDU-DESK.
// Note — маппинг таблицы notes (конспект с метаданными загруженного файла).
package model

import "time"

// Статусы конспекта. Published — единственный активный статус,
// остальные зарезервированы для модерации.
const (
	NoteStatusPublished = "published"
)

// Note — запись конспекта в таблице notes.
// Запись никогда не удаляется физически: удаление — это soft delete
// (IsDeleted = true), отдельный offline-процесс может выполнять компакцию.
type Note struct {
	// ID — UUID конспекта (задаётся при создании)
	ID string
	// Title — название конспекта
	Title string
	// Subject — учебный предмет
	Subject string
	// Department — факультет/кафедра
	Department string
	// Uploader — отображаемое имя загрузившего
	Uploader string
	// UploaderID — идентификатор владельца (sub из JWT), неизменяемый
	UploaderID string
	// UploaderEmail — email загрузившего
	UploaderEmail string
	// FileKey — непрозрачный ключ файла в blob-хранилище
	FileKey string
	// FileName — оригинальное имя файла
	FileName string
	// FileSize — размер файла в байтах
	FileSize int64
	// ContentType — MIME-тип файла
	ContentType string
	// DownloadCount — счётчик скачиваний, монотонно неубывающий
	DownloadCount int64
	// Status — статус конспекта (published)
	Status string
	// IsDeleted — признак soft delete
	IsDeleted bool
	// Version — версия записи, строго +1 на каждое успешное обновление
	Version int
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
	// LastDownloadedAt — время последнего скачивания (nil — не скачивался)
	LastDownloadedAt *time.Time
}

// NotePatch — частичное обновление метаданных конспекта.
// Поля-указатели: nil = поле не меняется.
type NotePatch struct {
	Title      *string
	Subject    *string
	Department *string
}

// UploaderAggregate — агрегированная активность одного пользователя
// по его не удалённым конспектам.
type UploaderAggregate struct {
	UploaderID string
	Uploader   string
	// Uploads — количество загруженных конспектов
	Uploads int64
	// TotalDownloads — суммарное число скачиваний конспектов пользователя
	TotalDownloads int64
	// TotalSizeBytes — суммарный размер файлов пользователя
	TotalSizeBytes int64
}

// UploaderStats — профильная статистика пользователя: активность
// плюс средняя оценка его конспектов.
type UploaderStats struct {
	UploaderAggregate
	// AverageRating — средняя оценка конспектов пользователя,
	// 0 при отсутствии оценок
	AverageRating float64
}
