package httpimpl

import (
	"net/http"
	"time"

	"github.com/bsv-blockchain/blocksync/services/chainsync"
	"github.com/bsv-blockchain/blocksync/util/servicemanager"
	"github.com/holiman/uint256"
	"github.com/labstack/echo/v4"
)

type progressResponse struct {
	State        string `json:"state"`
	Target       string `json:"target,omitempty"`
	TargetNumber uint64 `json:"target_number"`
	TargetTD     string `json:"target_td,omitempty"`
	LocalNumber  uint64 `json:"local_number"`
	LocalHash    string `json:"local_hash"`
	LocalTD      string `json:"local_td"`
	AnchorNumber uint64 `json:"anchor_number"`
	LinkedTip    uint64 `json:"linked_tip"`
	ReadyTip     uint64 `json:"ready_tip"`
	Peers        int    `json:"peers"`
	StalledPeers int    `json:"stalled_peers"`
	InFlight     int    `json:"in_flight"`
}

type peerResponse struct {
	ID              string    `json:"id"`
	ProtocolVersion uint32    `json:"protocol_version"`
	HandshakeDone   bool      `json:"handshake_done"`
	AnnouncedNumber uint64    `json:"announced_number"`
	AnnouncedHash   string    `json:"announced_hash"`
	TotalDifficulty string    `json:"total_difficulty"`
	Asking          string    `json:"asking"`
	IsStalled       bool      `json:"is_stalled"`
	StallCount      int       `json:"stall_count"`
	BanScore        int       `json:"ban_score"`
	IsBanned        bool      `json:"is_banned"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastMessageAt   time.Time `json:"last_message_at"`
}

func decimal(v *uint256.Int) string {
	if v == nil {
		return ""
	}

	return v.Dec()
}

func (h *HTTP) GetHealth(c echo.Context) error {
	status, details, err := h.health(c.Request().Context(), c.QueryParam("liveness") == "true")
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}

	return c.String(status, details)
}

func (h *HTTP) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"state":  h.sync.Status().String(),
		"active": h.sync.Status().Active(),
	})
}

func (h *HTTP) GetProgress(c echo.Context) error {
	progress := h.sync.Progress()
	if progress == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "progress not available yet")
	}

	return c.JSON(http.StatusOK, progressResponse{
		State:        progress.State.String(),
		Target:       string(progress.Target),
		TargetNumber: progress.TargetNumber,
		TargetTD:     decimal(progress.TargetTD),
		LocalNumber:  progress.LocalNumber,
		LocalHash:    progress.LocalHash.String(),
		LocalTD:      decimal(progress.LocalTD),
		AnchorNumber: progress.AnchorNumber,
		LinkedTip:    progress.LinkedTip,
		ReadyTip:     progress.ReadyTip,
		Peers:        progress.Peers,
		StalledPeers: progress.StalledPeers,
		InFlight:     progress.InFlight,
	})
}

func (h *HTTP) GetPeers(c echo.Context) error {
	peers := h.sync.Peers()
	resp := make([]peerResponse, 0, len(peers))

	for _, p := range peers {
		resp = append(resp, peerResponse{
			ID:              string(p.ID),
			ProtocolVersion: p.ProtocolVersion,
			HandshakeDone:   p.HandshakeDone,
			AnnouncedNumber: p.AnnouncedNumber,
			AnnouncedHash:   p.AnnouncedHash.String(),
			TotalDifficulty: decimal(p.TotalDifficulty),
			Asking:          p.Asking.String(),
			IsStalled:       p.IsStalled,
			StallCount:      p.StallCount,
			BanScore:        p.BanScore,
			IsBanned:        p.IsBanned,
			ConnectedAt:     p.ConnectedAt,
			LastMessageAt:   p.LastMessageAt,
		})
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *HTTP) GetBanned(c echo.Context) error {
	banned := h.sync.Banned()
	resp := make([]string, 0, len(banned))

	for _, id := range banned {
		resp = append(resp, string(id))
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *HTTP) GetServices(c echo.Context) error {
	return c.JSON(http.StatusOK, servicemanager.GetListenerInfos())
}

// Reset drops the current sync attempt. Connected peers are kept.
func (h *HTTP) Reset(c echo.Context) error {
	if err := h.sync.Reset(c.Request().Context()); err != nil {
		h.logger.Errorf("[Status] reset failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed: "+err.Error())
	}

	h.logger.Infof("[Status] sync reset requested")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"state": h.sync.Status().String(),
	})
}

var _ SyncStatus = (*chainsync.Driver)(nil)
