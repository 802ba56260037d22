package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/firmware"
	"fleetline/internal/repo"
)

// UploadFirmwareOptions carry one artifact and its metadata.
type UploadFirmwareOptions struct {
	Version     string
	Description string
	DeviceType  string
	FileName    string
	Data        []byte
	ActorID     string
}

// UploadFirmware validates, checksums, and stores one immutable artifact.
func (e Engine) UploadFirmware(ctx context.Context, opts UploadFirmwareOptions) (domain.Firmware, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return domain.Firmware{}, validationf("firmware version is required")
	}
	if len(opts.Data) == 0 {
		return domain.Firmware{}, validationf("firmware file is empty")
	}
	if max := e.Config.MaxFirmwareSize(); int64(len(opts.Data)) > max {
		return domain.Firmware{}, validationf("firmware file exceeds %d bytes", max)
	}
	ext := e.Config.FirmwareExtension()
	if opts.FileName == "" || !strings.EqualFold(path.Ext(opts.FileName), ext) {
		return domain.Firmware{}, validationf("firmware file must have a %s extension", ext)
	}
	deviceType := strings.TrimSpace(opts.DeviceType)
	if deviceType == "" {
		deviceType = "ESP32"
	}
	if _, err := e.Repo.GetAvailableFirmwareByVersion(ctx, deviceType, opts.Version); err == nil {
		return domain.Firmware{}, validationf("firmware version %s already exists for %s", opts.Version, deviceType)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Firmware{}, err
	}

	sum := sha256.Sum256(opts.Data)
	fw := domain.Firmware{
		ID:          uuid.New().String(),
		Version:     opts.Version,
		Description: strings.TrimSpace(opts.Description),
		DeviceType:  deviceType,
		FileName:    opts.FileName,
		Size:        int64(len(opts.Data)),
		Checksum:    hex.EncodeToString(sum[:]),
		Status:      "available",
		UploadedAt:  e.timestamp(),
	}
	fw.StorageRef = fw.ID + ext

	if err := e.Store.Put(ctx, fw.StorageRef, bytes.NewReader(opts.Data), fw.Size); err != nil {
		return domain.Firmware{}, TransientIOError{Op: "store firmware", Err: err}
	}
	if err := e.Repo.InsertFirmware(ctx, fw); err != nil {
		// Do not leave an orphaned artifact behind.
		_ = e.Store.Delete(ctx, fw.StorageRef)
		return domain.Firmware{}, fmt.Errorf("insert firmware: %w", err)
	}
	if err := e.appendEvent(ctx, "firmware.uploaded", "firmware", fw.ID, opts.ActorID, events.EventPayload{
		"version":     fw.Version,
		"device_type": fw.DeviceType,
		"size":        fw.Size,
	}); err != nil {
		return domain.Firmware{}, err
	}
	e.Log.Infow("firmware uploaded", "id", fw.ID, "version", fw.Version, "size", fw.Size)
	return fw, nil
}

// DeleteFirmware tombstones the record and removes the stored artifact.
// Deployment rows keep their firmware reference.
func (e Engine) DeleteFirmware(ctx context.Context, id, actorID string) error {
	fw, err := e.Repo.GetFirmware(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound("firmware", id)
		}
		return err
	}
	if err := e.Repo.MarkFirmwareDeleted(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return validationf("firmware %s is already deleted", id)
		}
		return err
	}
	if err := e.Store.Delete(ctx, fw.StorageRef); err != nil {
		e.Log.Warnw("firmware artifact removal failed", "id", id, "error", err)
	}
	return e.appendEvent(ctx, "firmware.deleted", "firmware", id, actorID, events.EventPayload{"version": fw.Version})
}

// OpenFirmware returns metadata plus a reader over the artifact bytes.
func (e Engine) OpenFirmware(ctx context.Context, id string) (domain.Firmware, io.ReadCloser, error) {
	fw, err := e.Repo.GetFirmware(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Firmware{}, nil, notFound("firmware", id)
		}
		return domain.Firmware{}, nil, err
	}
	if fw.Status != "available" {
		return domain.Firmware{}, nil, notFound("firmware", id)
	}
	rc, err := e.Store.Get(ctx, fw.StorageRef)
	if err != nil {
		return domain.Firmware{}, nil, TransientIOError{Op: "open firmware", Err: err}
	}
	return fw, rc, nil
}

// FirmwareDownloadURL returns the link written into OTA payloads: a
// presigned URL when the backend can mint one, otherwise the service's
// own download endpoint.
func (e Engine) FirmwareDownloadURL(ctx context.Context, fw domain.Firmware) (string, error) {
	url, err := e.Store.PresignedURL(ctx, fw.StorageRef, e.Config.URLExpiry())
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, firmware.ErrNoPresign) {
		return "", TransientIOError{Op: "presign firmware url", Err: err}
	}
	base := strings.TrimRight(e.Config.Server.PublicURL, "/")
	if base == "" {
		base = "http://localhost" + e.Config.ListenAddr()
	}
	return fmt.Sprintf("%s%s/firmware/%s/download", base, e.Config.BasePath(), fw.ID), nil
}
