package handlers

import (
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

// MessageContextBase holds the metadata and logger every event handler gets.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy handlers can mutate for outgoing events.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[MetadataKeyCorrelationID]
}

func (b MessageContextBase) EventType() string {
	return b.Metadata[MetadataKeyEventType]
}

func (b MessageContextBase) UserID() string {
	return b.Metadata[MetadataKeyUserID]
}
