package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/davmount/davmount/internal/store"
	"github.com/google/uuid"
)

const maxNzbUpload = 50 << 20

// handleSABnzbd dispatches on the mode query parameter, SABnzbd style.
func (s *Server) handleSABnzbd(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		s.writeJSON(w, http.StatusOK, sabError{Error: "API Key Incorrect"})
		return
	}

	switch mode := r.URL.Query().Get("mode"); mode {
	case "addfile":
		s.handleAddFile(w, r)
	case "addurl":
		s.handleAddURL(w, r)
	case "queue":
		s.handleQueue(w, r)
	case "history":
		s.handleHistory(w, r)
	case "version":
		s.writeJSON(w, http.StatusOK, sabVersion{Version: Version})
	case "get_config":
		s.handleGetConfig(w)
	case "fullstatus", "status":
		s.handleFullStatus(w)
	default:
		s.writeJSON(w, http.StatusOK, sabError{Error: fmt.Sprintf("unknown mode: %s", mode)})
	}
}

func (s *Server) enqueueNzb(name, category, priority string, contents []byte) (string, error) {
	jobName := strings.TrimSuffix(name, ".nzb")

	item := &store.QueueItem{
		ID:          uuid.NewString(),
		FileName:    name,
		JobName:     jobName,
		Category:    category,
		NzbContents: contents,
		Priority:    parsePriority(priority),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.queue.Enqueue(item); err != nil {
		return "", err
	}
	return item.ID, nil
}

func parsePriority(v string) store.QueuePriority {
	switch v {
	case "-1":
		return store.QueuePriorityLow
	case "1":
		return store.QueuePriorityHigh
	case "2":
		return store.QueuePriorityForce
	default:
		return store.QueuePriorityNormal
	}
}

func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSON(w, http.StatusOK, sabError{Error: "method not allowed"})
		return
	}
	if err := r.ParseMultipartForm(maxNzbUpload); err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to parse form data"})
		return
	}

	file, header, err := r.FormFile("nzbfile")
	if err != nil {
		file, header, err = r.FormFile("name")
	}
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "no NZB file provided"})
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".nzb") {
		s.writeJSON(w, http.StatusOK, sabError{Error: "invalid file type, must be .nzb"})
		return
	}

	contents, err := io.ReadAll(io.LimitReader(file, maxNzbUpload))
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to read upload"})
		return
	}

	id, err := s.enqueueNzb(header.Filename, r.FormValue("cat"), r.FormValue("priority"), contents)
	if err != nil {
		s.log.Error("failed to enqueue NZB", "name", header.Filename, "error", err)
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to add to queue"})
		return
	}
	s.writeJSON(w, http.StatusOK, sabAddResponse{Status: true, NzoIDs: []string{id}})
}

func (s *Server) handleAddURL(w http.ResponseWriter, r *http.Request) {
	nzbURL := r.URL.Query().Get("name")
	if nzbURL == "" {
		s.writeJSON(w, http.StatusOK, sabError{Error: "URL parameter 'name' required"})
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, nzbURL, nil)
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "invalid NZB URL"})
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to download NZB from URL"})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.writeJSON(w, http.StatusOK, sabError{Error: fmt.Sprintf("failed to download NZB: HTTP %d", resp.StatusCode)})
		return
	}

	contents, err := io.ReadAll(io.LimitReader(resp.Body, maxNzbUpload))
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to read NZB from URL"})
		return
	}

	name := r.URL.Query().Get("nzbname")
	if name == "" {
		name = nameFromURL(nzbURL)
	}

	id, err := s.enqueueNzb(name, r.URL.Query().Get("cat"), r.URL.Query().Get("priority"), contents)
	if err != nil {
		s.log.Error("failed to enqueue NZB", "url", nzbURL, "error", err)
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to add to queue"})
		return
	}
	s.writeJSON(w, http.StatusOK, sabAddResponse{Status: true, NzoIDs: []string{id}})
}

func nameFromURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "download.nzb"
	}
	return trimmed
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("name") == "delete" {
		ids := strings.Split(r.URL.Query().Get("value"), ",")
		var clean []string
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				clean = append(clean, id)
			}
		}
		if err := s.queue.RemoveItems(clean); err != nil {
			s.writeJSON(w, http.StatusOK, sabError{Error: "failed to delete queue items"})
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"status": true})
		return
	}

	items, err := s.db.Queue.List()
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to list queue"})
		return
	}

	current, percent := s.queue.InProgress()

	q := sabQueue{
		Status:          true,
		Version:         Version,
		Speed:           "0",
		KBPerSec:        "0.0",
		TimeLeft:        "0:00:00",
		ETA:             "unknown",
		Slots:           []sabQueueSlot{},
		Diskspace1:      "1000.0",
		Diskspace2:      "1000.0",
		DiskspaceTotal1: "1000.0",
		DiskspaceTotal2: "1000.0",
	}

	var totalMB, leftMB float64
	for i, item := range items {
		mb := float64(item.TotalSegmentBytes) / (1024 * 1024)
		slot := sabQueueSlot{
			Index:      i,
			NzoID:      item.ID,
			Priority:   priorityName(item.Priority),
			Filename:   item.JobName,
			Cat:        item.Category,
			MB:         fmt.Sprintf("%.2f", mb),
			MBLeft:     fmt.Sprintf("%.2f", mb),
			Size:       formatSize(item.TotalSegmentBytes),
			SizeLeft:   formatSize(item.TotalSegmentBytes),
			Percentage: "0",
			TimeLeft:   "0:00:00",
			Status:     "Queued",
		}
		if current != nil && current.ID == item.ID {
			slot.Status = "Downloading"
			pct := percent
			if pct > 100 {
				pct = 99 // finalizing still shows as almost done
			}
			slot.Percentage = fmt.Sprintf("%d", pct)
			done := mb * float64(pct) / 100
			slot.MBLeft = fmt.Sprintf("%.2f", mb-done)
		}
		totalMB += mb
		leftMB += mb
		q.Slots = append(q.Slots, slot)
	}
	q.NoOfSlots = len(q.Slots)
	q.NoOfSlotsTotal = len(q.Slots)
	q.MB = totalMB
	q.MBLeft = leftMB
	q.Size = formatSize(int64(totalMB * 1024 * 1024))
	q.SizeLeft = formatSize(int64(leftMB * 1024 * 1024))

	s.writeJSON(w, http.StatusOK, sabQueueResponse{Queue: q})
}

func priorityName(p store.QueuePriority) string {
	switch p {
	case store.QueuePriorityLow:
		return "Low"
	case store.QueuePriorityHigh:
		return "High"
	case store.QueuePriorityForce:
		return "Force"
	default:
		return "Normal"
	}
}

func formatSize(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("name") == "delete" {
		for _, id := range strings.Split(r.URL.Query().Get("value"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				if err := s.db.History.Remove(id); err != nil {
					s.writeJSON(w, http.StatusOK, sabError{Error: "failed to delete history item"})
					return
				}
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"status": true})
		return
	}

	limit := 50
	if s.cfg().Import.IgnoreSabHistoryLimit {
		limit = 0
	}
	items, err := s.db.History.List(limit)
	if err != nil {
		s.writeJSON(w, http.StatusOK, sabError{Error: "failed to list history"})
		return
	}

	h := sabHistory{Status: true, Version: Version, Slots: []sabHistorySlot{}}
	for i, item := range items {
		status := "Completed"
		if item.Status == store.HistoryStatusFailed {
			status = "Failed"
		}
		failMsg := ""
		if item.FailMessage != nil {
			failMsg = *item.FailMessage
		}
		storage := ""
		if item.DownloadDirID != nil {
			if dir, err := s.db.Items.Item(*item.DownloadDirID); err == nil {
				storage = "/" + store.RootContent + "/" + joinCategory(item.Category, dir.Name)
			}
		}
		h.Slots = append(h.Slots, sabHistorySlot{
			Index:        i,
			NzoID:        item.ID,
			Name:         item.JobName,
			Category:     item.Category,
			Status:       status,
			NzbName:      item.JobName + ".nzb",
			Path:         storage,
			Storage:      storage,
			Bytes:        item.TotalSegmentBytes,
			DownloadTime: item.DownloadTimeSeconds,
			Completed:    item.CreatedAt.Unix(),
			FailMessage:  failMsg,
			Size:         formatSize(item.TotalSegmentBytes),
		})
	}
	h.NoOfSlots = len(h.Slots)
	s.writeJSON(w, http.StatusOK, sabHistoryResponse{History: h})
}

func joinCategory(category, name string) string {
	if category == "" {
		return name
	}
	return category + "/" + name
}

func (s *Server) handleGetConfig(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, sabConfigResponse{Config: sabConfig{
		Misc: sabMisc{
			CompleteDir:  "/" + store.RootIDs,
			HistoryLimit: 50,
		},
		Categories: []sabCategory{
			{Name: "movies", Dir: "movies"},
			{Name: "tv", Dir: "tv"},
		},
	}})
}

func (s *Server) handleFullStatus(w http.ResponseWriter) {
	current, _ := s.queue.InProgress()
	s.writeJSON(w, http.StatusOK, map[string]sabFullStatus{"status": {
		Status:         true,
		Version:        Version,
		Uptime:         "0",
		ActiveDownload: current != nil,
	}})
}
