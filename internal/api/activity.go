package api

import (
	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/api/artifacts"
	"github.com/hbomb79/Clipsync/internal/api/websocket"
	"github.com/hbomb79/Clipsync/internal/download"
	"github.com/hbomb79/Clipsync/internal/event"
)

const (
	TITLE_ARTIFACT_UPDATE   = "ARTIFACT_UPDATE"
	TITLE_UPLOAD_REPORT     = "UPLOAD_REPORT"
	TITLE_DOWNLOAD_OUTCOME  = "DOWNLOAD_OUTCOME"
	TITLE_DOWNLOAD_PROGRESS = "DOWNLOAD_PROGRESS"
)

type (
	// ArtifactUpdate carries the latest state of an artifact. A nil
	// Artifact means the artifact is no longer tracked (it was uploaded).
	ArtifactUpdate struct {
		ArtifactID uuid.UUID      `json:"artifact_id"`
		Artifact   *artifacts.Dto `json:"artifact"`
	}

	broadcaster struct {
		socketHub    *websocket.SocketHub
		orchestrator artifacts.Service
	}
)

func newBroadcaster(socketHub *websocket.SocketHub, orchestrator artifacts.Service) *broadcaster {
	return &broadcaster{socketHub, orchestrator}
}

// subscribe forwards pipeline events to the connected socket clients.
func (hub *broadcaster) subscribe(eventBus event.EventHandler) {
	eventBus.RegisterAsyncHandlerFunction(event.ArtifactUpdateEvent, func(_ event.Event, payload event.Payload) {
		if id, ok := payload.(uuid.UUID); ok {
			hub.BroadcastArtifactUpdate(id)
		}
	})

	forward := func(title string) event.HandlerMethod {
		return func(ev event.Event, payload event.Payload) {
			hub.broadcast(title, map[string]any{"event": ev, "payload": payload})
		}
	}
	eventBus.RegisterAsyncHandlerFunction(event.UploadCompleteEvent, forward(TITLE_UPLOAD_REPORT))
	eventBus.RegisterAsyncHandlerFunction(event.UploadFailedEvent, forward(TITLE_UPLOAD_REPORT))
	eventBus.RegisterAsyncHandlerFunction(event.DownloadCompleteEvent, forward(TITLE_DOWNLOAD_OUTCOME))
	eventBus.RegisterAsyncHandlerFunction(event.DownloadFailedEvent, forward(TITLE_DOWNLOAD_OUTCOME))
	eventBus.RegisterAsyncHandlerFunction(event.DownloadProgressEvent, func(_ event.Event, payload event.Payload) {
		if progress, ok := payload.(download.Progress); ok {
			hub.broadcast(TITLE_DOWNLOAD_PROGRESS, map[string]any{"progress": progress})
		}
	})
}

func (hub *broadcaster) BroadcastArtifactUpdate(id uuid.UUID) {
	update := ArtifactUpdate{ArtifactID: id}
	if job := hub.orchestrator.GetJob(id); job != nil {
		update.Artifact = artifacts.NewDto(job)
	}

	hub.broadcast(TITLE_ARTIFACT_UPDATE, map[string]any{"update": update})
}

// connectionPayload furnishes new socket clients with the current
// set of tracked artifacts.
func (hub *broadcaster) connectionPayload() map[string]any {
	jobs := hub.orchestrator.GetAllJobs()
	dtos := make([]*artifacts.Dto, len(jobs))
	for k, v := range jobs {
		dtos[k] = artifacts.NewDto(&v)
	}

	return map[string]any{"artifacts": dtos}
}

func (hub *broadcaster) broadcast(title string, body map[string]any) {
	hub.socketHub.Send(&websocket.SocketMessage{
		Title: title,
		Body:  body,
		Type:  websocket.Update,
	})
}
