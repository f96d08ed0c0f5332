// crmtowfirma/internal/handlers/cycle_handler.go
package handlers

import (
	"net/http"

	"crmtowfirma/internal/orchestrator"

	"github.com/gin-gonic/gin"
)

// Orch устанавливается из main при старте приложения.
var Orch *orchestrator.Orchestrator

// ListCyclesHandler возвращает состояние всех циклов и историю запусков.
func ListCyclesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cycles": Orch.Status()})
}

// RunCycleHandler запускает цикл вручную. Семантика идентична таймеру:
// если цикл уже выполняется, запуск фиксируется как skipped.
func RunCycleHandler(c *gin.Context) {
	name := c.Param("name")
	rec, ok := Orch.Trigger(c.Request.Context(), name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown cycle: " + name})
		return
	}
	status := http.StatusOK
	if rec.State == orchestrator.StateFailed {
		status = http.StatusInternalServerError
	}
	c.JSON(status, rec)
}
