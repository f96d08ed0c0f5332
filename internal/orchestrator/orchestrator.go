// crmtowfirma/internal/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"crmtowfirma/internal/billing"

	"github.com/google/uuid"
)

// Триггеры запуска цикла.
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
	TriggerRetry  = "retry"
)

// Состояния запуска.
const (
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
	StateSkipped = "skipped"
)

// historySize — сколько последних запусков цикла храним для наблюдаемости.
const historySize = 50

// RunFunc — один проход цикла. Ошибка означает провал прохода целиком
// (ошибки отдельных сделок остаются внутри Report).
type RunFunc func(ctx context.Context) (*billing.Report, error)

// RunRecord — итог одного запуска цикла.
type RunRecord struct {
	ID         string         `json:"id"`
	Cycle      string         `json:"cycle"`
	Trigger    string         `json:"trigger"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	DurationMS int64          `json:"durationMs"`
	Counts     map[string]int `json:"counts,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
}

// Cycle — один именованный периодический цикл с собственным single-flight
// флагом и историей запусков. Флаг живет внутри цикла и наружу виден
// только через Status(): никакого глобального "is running".
type Cycle struct {
	Name     string
	Interval time.Duration
	run      RunFunc

	mu      sync.Mutex
	running bool
	history []RunRecord
}

// Orchestrator владеет набором циклов и общей политикой повторов.
type Orchestrator struct {
	mu         sync.Mutex
	cycles     map[string]*Cycle
	order      []string
	retryDelay time.Duration

	// OnRunFinished вызывается по завершении каждого запуска (в том числе
	// skipped) — сюда подключается websocket-хаб событий.
	OnRunFinished func(RunRecord)
}

func New(retryDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		cycles:     make(map[string]*Cycle),
		retryDelay: retryDelay,
	}
}

// Register добавляет цикл. Вызывается до Start.
func (o *Orchestrator) Register(name string, interval time.Duration, run RunFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cycles[name] = &Cycle{Name: name, Interval: interval, run: run}
	o.order = append(o.order, name)
}

// Start запускает таймеры всех циклов и блокируется до отмены ctx.
func (o *Orchestrator) Start(ctx context.Context) {
	var wg sync.WaitGroup
	o.mu.Lock()
	for _, name := range o.order {
		c := o.cycles[name]
		wg.Add(1)
		go func(c *Cycle) {
			defer wg.Done()
			ticker := time.NewTicker(c.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					o.execute(ctx, c, TriggerTimer)
				}
			}
		}(c)
	}
	o.mu.Unlock()
	wg.Wait()
}

// Trigger запускает цикл вручную. Семантика идентична таймерному запуску,
// кроме одного: ручной провал не планирует повтор.
func (o *Orchestrator) Trigger(ctx context.Context, name string) (RunRecord, bool) {
	o.mu.Lock()
	c, ok := o.cycles[name]
	o.mu.Unlock()
	if !ok {
		return RunRecord{}, false
	}
	return o.execute(ctx, c, TriggerManual), true
}

// execute — сердце оркестратора: single-flight, запись истории и ровно
// один отложенный повтор на таймерный провал. Повторы и ручные запуски
// новых повторов не порождают — это ограничивает шторм повторов одним
// повтором на органический сбой.
func (o *Orchestrator) execute(ctx context.Context, c *Cycle, trigger string) RunRecord {
	rec := RunRecord{
		ID:        uuid.NewString(),
		Cycle:     c.Name,
		Trigger:   trigger,
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	if c.running {
		// Новый триггер во время работы фиксируется как skipped,
		// в очередь ничего не ставится.
		rec.State = StateSkipped
		rec.FinishedAt = rec.StartedAt
		c.appendHistory(rec)
		c.mu.Unlock()
		slog.Info("Цикл уже выполняется, запуск пропущен", "cycle", c.Name, "trigger", trigger)
		o.finished(rec)
		return rec
	}
	c.running = true
	c.mu.Unlock()

	report, err := c.run(ctx)

	rec.FinishedAt = time.Now()
	rec.DurationMS = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	if report != nil {
		rec.Counts = report.Counts
		rec.Errors = report.Errors
	}
	if err != nil {
		rec.State = StateFailed
		rec.Errors = append(rec.Errors, err.Error())
		slog.Error("Цикл завершился с ошибкой", "cycle", c.Name, "trigger", trigger, "error", err)
	} else {
		rec.State = StateSuccess
		slog.Info("Цикл завершен", "cycle", c.Name, "trigger", trigger,
			"duration_ms", rec.DurationMS, "counts", rec.Counts)
	}

	c.mu.Lock()
	c.running = false
	c.appendHistory(rec)
	c.mu.Unlock()

	if err != nil && trigger == TriggerTimer {
		slog.Info("Запланирован однократный повтор цикла", "cycle", c.Name, "delay", o.retryDelay)
		time.AfterFunc(o.retryDelay, func() {
			o.execute(ctx, c, TriggerRetry)
		})
	}

	o.finished(rec)
	return rec
}

func (o *Orchestrator) finished(rec RunRecord) {
	if o.OnRunFinished != nil {
		o.OnRunFinished(rec)
	}
}

// appendHistory добавляет запись в кольцевую историю. Вызывается под c.mu.
func (c *Cycle) appendHistory(rec RunRecord) {
	c.history = append(c.history, rec)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
}

// CycleStatus — внешнее представление состояния цикла.
type CycleStatus struct {
	Name     string      `json:"name"`
	Interval string      `json:"interval"`
	Running  bool        `json:"running"`
	History  []RunRecord `json:"history"`
}

// Status возвращает состояние всех циклов и их историю (новые запуски
// первыми).
func (o *Orchestrator) Status() []CycleStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	statuses := make([]CycleStatus, 0, len(o.order))
	for _, name := range o.order {
		c := o.cycles[name]
		c.mu.Lock()
		history := make([]RunRecord, len(c.history))
		for i := range c.history {
			history[len(c.history)-1-i] = c.history[i]
		}
		statuses = append(statuses, CycleStatus{
			Name:     c.Name,
			Interval: c.Interval.String(),
			Running:  c.running,
			History:  history,
		})
		c.mu.Unlock()
	}
	return statuses
}
