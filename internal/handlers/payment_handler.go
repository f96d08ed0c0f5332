// crmtowfirma/internal/handlers/payment_handler.go
package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crmtowfirma/config"
	"crmtowfirma/internal/billing"
	"crmtowfirma/models"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

// Engine устанавливается из main при старте приложения.
var Engine *billing.Engine

// ListPaymentRecords возвращает реестр платежных сессий с пагинацией,
// поиском и фильтрами по статусу, фазе и сделке.
func ListPaymentRecords(c *gin.Context) {
	var records []models.PaymentRecord
	var totalRows int64

	query := config.DB.Model(&models.PaymentRecord{})

	if search := c.Query("search"); search != "" {
		searchPattern := "%" + strings.ToLower(search) + "%"
		query = query.Where(
			"LOWER(session_id) LIKE ? OR LOWER(customer_email) LIKE ? OR CAST(deal_id AS TEXT) LIKE ?",
			searchPattern, searchPattern, searchPattern)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if phase := c.Query("phase"); phase != "" {
		query = query.Where("phase = ?", phase)
	}
	if dealID := c.Query("deal_id"); dealID != "" {
		query = query.Where("deal_id = ?", dealID)
	}

	if err := query.Count(&totalRows).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count payment records"})
		return
	}

	if err := query.Scopes(Paginate(c)).Order("created_at DESC").Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment records"})
		return
	}

	c.JSON(http.StatusOK, CreatePaginatedResponse(c, records, totalRows))
}

// GetPaymentRecord возвращает одну запись по ID.
func GetPaymentRecord(c *gin.Context) {
	id := c.Param("id")
	var record models.PaymentRecord
	if err := config.DB.First(&record, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment record not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// ExportPaymentRecordsHandler выгружает реестр платежей в Excel.
func ExportPaymentRecordsHandler(c *gin.Context) {
	var records []models.PaymentRecord
	query := config.DB.Model(&models.PaymentRecord{}).Order("created_at DESC")

	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&records).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch data for export"})
		return
	}

	f := excelize.NewFile()
	sheetName := "Платежи"
	index, _ := f.NewSheet(sheetName)
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headers := []string{"ID", "Сделка", "Сессия", "Фаза", "План", "Сумма", "Валюта", "Курс", "Сумма (реф.)", "Статус", "Email", "Создано"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, header)
	}

	for i, r := range records {
		row := i + 2
		sessionID := ""
		if r.SessionID != nil {
			sessionID = *r.SessionID
		}
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), r.ID)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), r.DealID)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), sessionID)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), r.Phase)
		f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), r.PlanMode)
		f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), r.Amount.InexactFloat64())
		f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), r.Currency)
		f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), r.ExchangeRate.InexactFloat64())
		f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), r.NormalizedAmount.InexactFloat64())
		f.SetCellValue(sheetName, fmt.Sprintf("J%d", row), r.Status)
		f.SetCellValue(sheetName, fmt.Sprintf("K%d", row), r.CustomerEmail)
		f.SetCellValue(sheetName, fmt.Sprintf("L%d", row), r.CreatedAt.Format("02.01.2006 15:04"))
	}

	fileName := fmt.Sprintf("payment_records_%s.xlsx", time.Now().Format("20060102_150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename="+fileName)
	if err := f.Write(c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to write Excel file"})
	}
}

// GetDealReconciliationHandler возвращает снапшот сверки по сделке.
func GetDealReconciliationHandler(c *gin.Context) {
	dealID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid deal ID"})
		return
	}

	deal, err := Engine.CRM().GetDeal(c.Request.Context(), uint(dealID))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch deal from CRM"})
		return
	}

	snap, err := Engine.Reconcile(c.Request.Context(), deal)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, snap)
}
