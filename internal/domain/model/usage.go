// usage.go — модели учёта использования хранилища.
// UsagePeriod — месячные счётчики операций (сбрасываются на границе месяца),
// StorageUsage — кумулятивный счётчик байт (не сбрасывается никогда).
package model

import (
	"fmt"
	"time"
)

// UsagePeriod — запись таблицы usage_periods, одна на календарный месяц.
// Счётчики в рамках месяца только растут; на границе месяца создаётся
// новая нулевая запись, старая остаётся нетронутой (история не суммируется).
type UsagePeriod struct {
	// MonthKey — ключ месяца в формате YYYY-MM (UTC)
	MonthKey string
	// ClassAOperations — счётчик мутирующих/листинговых операций
	ClassAOperations int64
	// ClassBOperations — счётчик операций чтения
	ClassBOperations int64
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// LastUpdated — время последнего инкремента
	LastUpdated time.Time
	// ResetAt — время последнего административного сброса, nil если не было
	ResetAt *time.Time
}

// StorageUsage — единственная запись таблицы storage_usage.
// Кумулятивный счётчик байт: растёт при загрузках, уменьшается при
// удалениях с clamp к нулю, сбрасывается только административно.
type StorageUsage struct {
	// StorageBytes — текущий учтённый объём в байтах, >= 0
	StorageBytes int64
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// LastUpdated — время последнего изменения
	LastUpdated time.Time
}

// MonthKey возвращает ключ месяца YYYY-MM для указанного момента (UTC).
func MonthKey(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%04d-%02d", u.Year(), int(u.Month()))
}

// MonthStart возвращает первый момент месяца для указанного момента (UTC).
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
