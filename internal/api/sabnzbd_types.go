package api

// Response shapes mirror the SABnzbd JSON API closely enough for
// Sonarr/Radarr/SABnzbd clients; fields they never read are filled with
// static placeholders.

type sabError struct {
	Status bool   `json:"status"`
	Error  string `json:"error"`
}

type sabVersion struct {
	Version string `json:"version"`
}

type sabAddResponse struct {
	Status bool     `json:"status"`
	NzoIDs []string `json:"nzo_ids"`
}

type sabQueueSlot struct {
	Index      int    `json:"index"`
	NzoID      string `json:"nzo_id"`
	Priority   string `json:"priority"`
	Filename   string `json:"filename"`
	Cat        string `json:"cat"`
	MBLeft     string `json:"mbleft"`
	MB         string `json:"mb"`
	Size       string `json:"size"`
	SizeLeft   string `json:"sizeleft"`
	Percentage string `json:"percentage"`
	TimeLeft   string `json:"timeleft"`
	Status     string `json:"status"`
}

type sabQueue struct {
	Status          bool           `json:"status"`
	Version         string         `json:"version"`
	Paused          bool           `json:"paused"`
	NoOfSlots       int            `json:"noofslots"`
	NoOfSlotsTotal  int            `json:"noofslots_total"`
	Speed           string         `json:"speed"`
	KBPerSec        string         `json:"kbpersec"`
	SizeLeft        string         `json:"sizeleft"`
	Size            string         `json:"size"`
	MBLeft          float64        `json:"mbleft"`
	MB              float64        `json:"mb"`
	TimeLeft        string         `json:"timeleft"`
	ETA             string         `json:"eta"`
	Slots           []sabQueueSlot `json:"slots"`
	Diskspace1      string         `json:"diskspace1"`
	Diskspace2      string         `json:"diskspace2"`
	DiskspaceTotal1 string         `json:"diskspacetotal1"`
	DiskspaceTotal2 string         `json:"diskspacetotal2"`
}

type sabQueueResponse struct {
	Queue sabQueue `json:"queue"`
}

type sabHistorySlot struct {
	Index        int    `json:"index"`
	NzoID        string `json:"nzo_id"`
	Name         string `json:"name"`
	Category     string `json:"category"`
	Status       string `json:"status"`
	NzbName      string `json:"nzb_name"`
	Path         string `json:"path"`
	Storage      string `json:"storage"`
	Bytes        int64  `json:"bytes"`
	DownloadTime int64  `json:"download_time"`
	Completed    int64  `json:"completed"`
	FailMessage  string `json:"fail_message"`
	Size         string `json:"size"`
}

type sabHistory struct {
	Status    bool             `json:"status"`
	Version   string           `json:"version"`
	Paused    bool             `json:"paused"`
	NoOfSlots int              `json:"noofslots"`
	Slots     []sabHistorySlot `json:"slots"`
}

type sabHistoryResponse struct {
	History sabHistory `json:"history"`
}

type sabFullStatus struct {
	Status         bool   `json:"status"`
	Version        string `json:"version"`
	Uptime         string `json:"uptime"`
	ActiveDownload bool   `json:"active_download"`
	Paused         bool   `json:"paused"`
}

type sabConfigResponse struct {
	Config sabConfig `json:"config"`
}

type sabConfig struct {
	Misc       sabMisc       `json:"misc"`
	Categories []sabCategory `json:"categories"`
}

type sabMisc struct {
	CompleteDir  string `json:"complete_dir"`
	PreCheck     bool   `json:"pre_check"`
	HistoryLimit int    `json:"history_limit"`
}

type sabCategory struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}
