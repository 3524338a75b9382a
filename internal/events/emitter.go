package events

import (
	"time"

	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
)

// Emitter binds a job id to the bus and provides typed emit helpers so
// callers never build raw event maps.
type Emitter struct {
	bus   interfaces.EventBus
	jobID string
}

// NewEmitter creates an emitter for one job.
func NewEmitter(bus interfaces.EventBus, jobID string) *Emitter {
	return &Emitter{bus: bus, jobID: jobID}
}

// JobID returns the bound job id.
func (e *Emitter) JobID() string { return e.jobID }

// Emit publishes a raw event of the given type.
func (e *Emitter) Emit(eventType models.EventType, severity models.Severity, data map[string]interface{}) {
	e.bus.Emit(models.NewEvent(eventType, e.jobID, severity, data))
}

func (e *Emitter) JobStarted(totalSKUs int, sites []string, testMode bool) {
	e.Emit(models.EventJobStarted, models.SeverityInfo, map[string]interface{}{
		"total_skus": totalSKUs,
		"sites":      sites,
		"test_mode":  testMode,
	})
}

func (e *Emitter) JobCompleted(summary models.JobSummary, duration time.Duration) {
	e.Emit(models.EventJobCompleted, models.SeverityInfo, map[string]interface{}{
		"total":       summary.Total,
		"successful":  summary.Successful,
		"no_results":  summary.NoResults,
		"not_found":   summary.NotFound,
		"failed":      summary.Failed,
		"duration_ms": duration.Milliseconds(),
	})
}

func (e *Emitter) JobFailed(reason string) {
	e.Emit(models.EventJobFailed, models.SeverityCritical, map[string]interface{}{
		"error": reason,
	})
}

func (e *Emitter) JobCancelled(processed, remaining int) {
	e.Emit(models.EventJobCancelled, models.SeverityWarning, map[string]interface{}{
		"processed": processed,
		"remaining": remaining,
	})
}

func (e *Emitter) ScraperStarted(site string, totalSKUs, workers int) {
	e.Emit(models.EventScraperStarted, models.SeverityInfo, map[string]interface{}{
		"site":       site,
		"total_skus": totalSKUs,
		"workers":    workers,
	})
}

func (e *Emitter) ScraperCompleted(site string, processed, successful int) {
	e.Emit(models.EventScraperCompleted, models.SeverityInfo, map[string]interface{}{
		"site":       site,
		"processed":  processed,
		"successful": successful,
	})
}

func (e *Emitter) ScraperFailed(site, reason string) {
	e.Emit(models.EventScraperFailed, models.SeverityError, map[string]interface{}{
		"site":  site,
		"error": reason,
	})
}

func (e *Emitter) BrowserInit(site string, workerIndex int) {
	e.Emit(models.EventScraperBrowserInit, models.SeverityDebug, map[string]interface{}{
		"site":   site,
		"worker": workerIndex,
	})
}

func (e *Emitter) BrowserRestart(site string, workerIndex, processed int) {
	e.Emit(models.EventScraperBrowserRestart, models.SeverityDebug, map[string]interface{}{
		"site":      site,
		"worker":    workerIndex,
		"processed": processed,
	})
}

func (e *Emitter) SkuProcessing(site, sku string) {
	e.Emit(models.EventSkuProcessing, models.SeverityDebug, map[string]interface{}{
		"site": site,
		"sku":  sku,
	})
}

func (e *Emitter) SkuSuccess(site, sku string, fields int, duration time.Duration) {
	e.Emit(models.EventSkuSuccess, models.SeverityInfo, map[string]interface{}{
		"site":        site,
		"sku":         sku,
		"fields":      fields,
		"duration_ms": duration.Milliseconds(),
	})
}

func (e *Emitter) SkuNoResults(site, sku string, skuType models.SkuType, isPassing bool) {
	e.Emit(models.EventSkuNoResults, models.SeverityInfo, map[string]interface{}{
		"site":       site,
		"sku":        sku,
		"sku_type":   string(skuType),
		"is_passing": isPassing,
	})
}

func (e *Emitter) SkuNotFound(site, sku string) {
	e.Emit(models.EventSkuNotFound, models.SeverityInfo, map[string]interface{}{
		"site": site,
		"sku":  sku,
	})
}

func (e *Emitter) SkuFailed(site, sku, errMsg string, kind models.FailureKind) {
	e.Emit(models.EventSkuFailed, models.SeverityError, map[string]interface{}{
		"site":  site,
		"sku":   sku,
		"error": errMsg,
		"kind":  string(kind),
	})
}

func (e *Emitter) ProgressUpdate(completed, total int, percent float64) {
	e.Emit(models.EventProgressUpdate, models.SeverityDebug, map[string]interface{}{
		"completed": completed,
		"total":     total,
		"percent":   percent,
	})
}

func (e *Emitter) ProgressWorker(site string, workerIndex, processed int) {
	e.Emit(models.EventProgressWorker, models.SeverityDebug, map[string]interface{}{
		"site":      site,
		"worker":    workerIndex,
		"processed": processed,
	})
}

func (e *Emitter) SelectorFound(site, sku, selectorID string) {
	e.Emit(models.EventSelectorFound, models.SeverityDebug, map[string]interface{}{
		"site":     site,
		"sku":      sku,
		"selector": selectorID,
	})
}

func (e *Emitter) SelectorMissing(site, sku, selectorID string) {
	e.Emit(models.EventSelectorMissing, models.SeverityWarning, map[string]interface{}{
		"site":     site,
		"sku":      sku,
		"selector": selectorID,
	})
}

func (e *Emitter) DataSynced(site, sku string) {
	e.Emit(models.EventDataSynced, models.SeverityDebug, map[string]interface{}{
		"site": site,
		"sku":  sku,
	})
}

func (e *Emitter) DataSyncFailed(site, sku, errMsg string) {
	e.Emit(models.EventDataSyncFailed, models.SeverityWarning, map[string]interface{}{
		"site":  site,
		"sku":   sku,
		"error": errMsg,
	})
}

func (e *Emitter) Info(message string) {
	e.Emit(models.EventSystemInfo, models.SeverityInfo, map[string]interface{}{
		"message": message,
	})
}

func (e *Emitter) Warning(message string) {
	e.Emit(models.EventSystemWarning, models.SeverityWarning, map[string]interface{}{
		"message": message,
	})
}

func (e *Emitter) Error(message string) {
	e.Emit(models.EventSystemError, models.SeverityError, map[string]interface{}{
		"message": message,
	})
}

func (e *Emitter) LoginSelectorStatus(site string, statuses []models.SelectorStatus) {
	detail := make([]map[string]interface{}, 0, len(statuses))
	for _, s := range statuses {
		detail = append(detail, map[string]interface{}{
			"id":    s.ID,
			"found": s.Found,
		})
	}
	e.Emit(models.EventLoginSelectorStatus, models.SeverityInfo, map[string]interface{}{
		"site":      site,
		"selectors": detail,
	})
}
