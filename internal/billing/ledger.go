// crmtowfirma/internal/billing/ledger.go
package billing

import (
	"errors"
	"time"

	"crmtowfirma/models"

	"gorm.io/gorm"
)

// Ledger — реестр выставленных платежных сессий поверх GORM.
// Все записи ключуются сессией либо парой (сделка, фаза); многострочных
// транзакций нет, корректность держится на частичном уникальном индексе
// "не более одной open-записи на (сделку, фазу)".
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Migrate создает таблицу и частичный уникальный индекс идемпотентности.
// Индекс — страховка от гонки двух пересекающихся циклов: проверка
// read-check-write в IssueSession сама по себе гонку не исключает.
func (l *Ledger) Migrate() error {
	if err := l.db.AutoMigrate(&models.PaymentRecord{}); err != nil {
		return err
	}
	return l.db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_records_open_phase
		 ON payment_records (deal_id, phase) WHERE status = 'open' AND deleted_at IS NULL`,
	).Error
}

// FindOpen возвращает open-запись по (сделка, фаза), nil если ее нет.
func (l *Ledger) FindOpen(dealID uint, phase string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := l.db.Where("deal_id = ? AND phase = ? AND status = ?", dealID, phase, models.StatusOpen).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FirstByDeal возвращает самую раннюю запись по сделке — носителя
// зафиксированного плана оплаты.
func (l *Ledger) FirstByDeal(dealID uint) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := l.db.Where("deal_id = ?", dealID).Order("created_at ASC, id ASC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByDeal возвращает все записи по сделке.
func (l *Ledger) ListByDeal(dealID uint) ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := l.db.Where("deal_id = ?", dealID).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

// ListOpen возвращает все открытые записи (для опроса статусов в шлюзе).
func (l *Ledger) ListOpen() ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := l.db.Where("status = ?", models.StatusOpen).Order("created_at ASC").Find(&recs).Error
	return recs, err
}

// PaidDeposit возвращает оплаченную запись первого взноса, nil если
// взнос еще не оплачен.
func (l *Ledger) PaidDeposit(dealID uint) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := l.db.Where("deal_id = ? AND phase = ? AND status = ?", dealID, models.PhaseDeposit, models.StatusPaid).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// HasRest сообщает, есть ли по сделке хоть какая-нибудь запись остатка
// (open или paid) — второй транш не выставляется дважды.
func (l *Ledger) HasRest(dealID uint) (bool, error) {
	var count int64
	err := l.db.Model(&models.PaymentRecord{}).
		Where("deal_id = ? AND phase = ? AND status IN ?", dealID, models.PhaseRest,
			[]string{models.StatusOpen, models.StatusPaid}).
		Count(&count).Error
	return count > 0, err
}

// BySessionID находит запись по ID сессии шлюза.
func (l *Ledger) BySessionID(sessionID string) (*models.PaymentRecord, error) {
	var rec models.PaymentRecord
	err := l.db.Where("session_id = ?", sessionID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create сохраняет новую запись.
func (l *Ledger) Create(rec *models.PaymentRecord) error {
	return l.db.Create(rec).Error
}

// SetStatus переводит запись в новый статус. Жесткого удаления нет:
// expired и refunded — такие же строки истории, как и paid.
func (l *Ledger) SetStatus(rec *models.PaymentRecord, status string) error {
	rec.Status = status
	return l.db.Model(rec).Update("status", status).Error
}

// ListRecent возвращает записи за окно времени (для API реестра).
func (l *Ledger) ListRecent(since time.Time) ([]models.PaymentRecord, error) {
	var recs []models.PaymentRecord
	err := l.db.Where("created_at >= ?", since).Order("created_at DESC").Find(&recs).Error
	return recs, err
}

// DB отдает нижележащий *gorm.DB для запросов с пагинацией в обработчиках.
func (l *Ledger) DB() *gorm.DB { return l.db }
