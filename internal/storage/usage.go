package storage

import "time"

// Usage is a point-in-time view of the data volume.
type Usage struct {
	Total      int64   `json:"total"`
	Used       int64   `json:"used"`
	Free       int64   `json:"free"`
	Percentage float64 `json:"percentage"`
	Timestamp  int64   `json:"timestamp"`
}

// DiskUsage reports the capacity of the volume holding path.
func DiskUsage(path string) (Usage, error) {
	total, used, free, err := volumeStats(path)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{
		Total:     total,
		Used:      used,
		Free:      free,
		Timestamp: time.Now().Unix(),
	}
	if total > 0 {
		u.Percentage = float64(used) / float64(total) * 100
	}
	return u, nil
}
