package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/MarwanHany97/NetThrottle/internal/rules"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

// statusResponse reports engine liveness and telemetry totals.
type statusResponse struct {
	Running          bool    `json:"running"`
	PacketsProcessed uint64  `json:"packets_processed"`
	PacketsDropped   uint64  `json:"packets_dropped"`
	GlobalDownload   float64 `json:"global_download_bps"`
	GlobalUpload     float64 `json:"global_upload_bps"`
}

// bulkRuleRequest applies one rule to several PIDs at once.
type bulkRuleRequest struct {
	PIDs []uint32   `json:"pids" binding:"required,min=1"`
	Rule rules.Rule `json:"rule"`
}

func (s *Server) status(c *gin.Context) {
	dl, ul := s.eng.GlobalThroughput()
	c.JSON(http.StatusOK, statusResponse{
		Running:          s.eng.IsRunning(),
		PacketsProcessed: s.eng.PacketsProcessed(),
		PacketsDropped:   s.eng.PacketsDropped(),
		GlobalDownload:   dl,
		GlobalUpload:     ul,
	})
}

func (s *Server) processes(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.ListNetworkProcesses())
}

func (s *Server) throughput(c *gin.Context) {
	type rate struct {
		PID      uint32  `json:"pid"`
		Download float64 `json:"download_bps"`
		Upload   float64 `json:"upload_bps"`
	}
	out := []rate{}
	for _, r := range s.eng.Throughput() {
		out = append(out, rate{PID: r.PID, Download: r.Download, Upload: r.Upload})
	}
	c.JSON(http.StatusOK, out)
}

func pidParam(c *gin.Context) (uint32, bool) {
	pid, err := strconv.ParseUint(c.Param("pid"), 10, 32)
	if err != nil || pid == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid pid"})
		return 0, false
	}
	return uint32(pid), true
}

func (s *Server) getRule(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	r, ok := s.eng.GetRule(pid)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no rule for pid"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) putRule(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.eng.SetRule(pid, r)
	if !r.Active() {
		// An inactive rule removes the entry; mirror DELETE.
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRule(c *gin.Context) {
	pid, ok := pidParam(c)
	if !ok {
		return
	}
	s.eng.SetRule(pid, rules.Rule{})
	c.Status(http.StatusNoContent)
}

func (s *Server) putRules(c *gin.Context) {
	var req bulkRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.eng.SetRuleForPIDs(req.PIDs, req.Rule)
	c.Status(http.StatusNoContent)
}

func (s *Server) getGlobal(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.GetGlobalRule())
}

func (s *Server) putGlobal(c *gin.Context) {
	var r rules.Rule
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.eng.SetGlobalRule(r)
	c.JSON(http.StatusOK, r)
}
