// Package handlers provides HTTP handlers for the satbridge diagnostic server.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/dvbkit/satbridge/internal/device"
)

// DeviceJSON represents one streaming device in the device list response.
type DeviceJSON struct {
	Index       int    `json:"Index"`
	Name        string `json:"Name"`
	Type        string `json:"Type"`
	Transponder int    `json:"Transponder"`
	Channel     string `json:"Channel"`
	HasLock     bool   `json:"HasLock"`
	Receiving   bool   `json:"Receiving"`
}

// StatusHandler serves the pool summary at /status.
func StatusHandler(pool *device.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte(pool.Status())); err != nil {
			http.Error(w, "Failed to write status", http.StatusInternalServerError)
			return
		}
	}
}

// DevicesHandler serves the device list at /devices.json.
func DevicesHandler(pool *device.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		devices := make([]DeviceJSON, 0, pool.Count())
		for _, b := range pool.Devices() {
			ch := b.CurrentChannel()
			devices = append(devices, DeviceJSON{
				Index:       b.Index(),
				Name:        b.DeviceName(),
				Type:        b.DeviceType(),
				Transponder: ch.Transponder(),
				Channel:     ch.Name,
				HasLock:     b.HasLock(0),
				Receiving:   b.Receiving(),
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(devices); err != nil {
			http.Error(w, "Failed to encode JSON", http.StatusInternalServerError)
			return
		}
	}
}

// DeviceInfoHandler serves per-device diagnostic pages at
// /devices/{index}/info. The page query parameter picks one of general,
// pids, filters, protocol, bitrate or all.
func DeviceInfoHandler(pool *device.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Expected format: /devices/{index}/info
		path := strings.TrimPrefix(r.URL.Path, "/devices/")
		parts := strings.Split(path, "/")
		if len(parts) != 2 || parts[1] != "info" {
			http.NotFound(w, r)
			return
		}

		index, err := strconv.Atoi(parts[0])
		if err != nil {
			http.Error(w, "Invalid device index", http.StatusBadRequest)
			return
		}

		b := pool.Device(index)
		if b == nil {
			http.Error(w, "Device not found", http.StatusNotFound)
			return
		}

		page, err := device.ParsePage(r.URL.Query().Get("page"))
		if err != nil {
			http.Error(w, "Invalid info page", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write([]byte(b.Information(page))); err != nil {
			http.Error(w, "Failed to write information", http.StatusInternalServerError)
			return
		}
	}
}
