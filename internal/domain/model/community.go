// community.go — модели социального слоя: оценки, комментарии,
// избранное и пользовательские подборки конспектов.
package model

import "time"

// Rating — оценка конспекта пользователем (1..5).
// Ключ записи — пара (NoteID, UserID): повторная оценка перезаписывает старую.
type Rating struct {
	NoteID    string
	UserID    string
	UserEmail string
	// Value — значение оценки, 1..5
	Value     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RatingSummary — агрегат оценок одного конспекта.
type RatingSummary struct {
	// Average — средняя оценка, округлена до 2 знаков
	Average float64
	// Total — количество оценок
	Total int
	// Distribution — количество оценок по значениям 1..5
	Distribution map[int]int
}

// Comment — комментарий к конспекту.
type Comment struct {
	ID        string
	NoteID    string
	UserID    string
	UserEmail string
	UserName  string
	Text      string
	// Likes — счётчик лайков, атомарный инкремент
	Likes     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Favorite — конспект в избранном пользователя.
type Favorite struct {
	UserID  string
	NoteID  string
	AddedAt time.Time
}

// Статусы жалоб на контент.
const (
	FlagStatusPending  = "pending"
	FlagStatusResolved = "resolved"
)

// Flag — жалоба пользователя на конспект. Создаётся со статусом pending,
// разрешается администратором.
type Flag struct {
	ID         string
	NoteID     string
	ReporterID string
	// Reason — причина жалобы, непустая
	Reason string
	// Status — pending или resolved
	Status     string
	CreatedAt  time.Time
	ResolvedAt *time.Time
	// ResolvedBy — идентификатор администратора, закрывшего жалобу
	ResolvedBy string
}

// Collection — именованная подборка конспектов пользователя.
type Collection struct {
	ID          string
	UserID      string
	Name        string
	Description string
	// NoteIDs — идентификаторы конспектов в подборке
	NoteIDs   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}
