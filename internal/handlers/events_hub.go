// crmtowfirma/internal/handlers/events_hub.go
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"crmtowfirma/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // внутренний ops-интерфейс, источники не ограничиваем
	},
}

// GlobalHub - единственный экземпляр хаба для всего приложения.
var GlobalHub = NewEventsHub()

// EventsHub раздает итоги запусков циклов подключенным дашбордам.
// В отличие от истории в оркестраторе здесь ничего не хранится:
// кто подключен, тот и увидел.
type EventsHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func NewEventsHub() *EventsHub {
	return &EventsHub{clients: make(map[*websocket.Conn]chan []byte)}
}

// Publish — колбэк для orchestrator.OnRunFinished.
func (h *EventsHub) Publish(rec orchestrator.RunRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("Не удалось сериализовать событие цикла", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			// Медленный клиент: отключаем, чтобы не копить его очередь.
			close(send)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *EventsHub) add(conn *websocket.Conn) chan []byte {
	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	return send
}

func (h *EventsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		close(send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// EventsWebsocketHandler подключает ops-дашборд к потоку событий циклов.
func EventsWebsocketHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Не удалось установить websocket-соединение", "error", err)
		return
	}

	send := GlobalHub.add(conn)
	slog.Info("Ops-дашборд подключился к потоку событий")

	// Пишущая горутина: единственный писатель в соединение.
	go func() {
		for data := range send {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				GlobalHub.remove(conn)
				return
			}
		}
	}()

	// Читаем только ради обнаружения закрытия соединения.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				GlobalHub.remove(conn)
				return
			}
		}
	}()
}
