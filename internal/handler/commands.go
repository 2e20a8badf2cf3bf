package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/blob"
	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/protocol"
	"github.com/genomic-intake-server/pkg/fasta"
)

// timeResolution matches the precision of persisted timestamps.
const timeResolution = time.Second

// upload is a payload persisted for the command being processed.
type upload struct {
	key        string
	inspection *fasta.Inspection
	keep       bool
}

// readMetadata reads the metadata block. The block ends the framing contract
// of the command, so any failure closes the connection.
func (h *Handler) readMetadata(s *session) (protocol.Metadata, error) {
	md, err := protocol.ReadMetadata(s.reader)
	if err != nil {
		return nil, closeConnection(fmt.Errorf("failed to read metadata: %w", err))
	}
	return md, nil
}

// receivePayload reads the START_FASTA header and stores the announced bytes
// as a new blob. Payload bytes are always consumed, even when they are
// rejected, so the next command starts on a line boundary.
func (h *Handler) receivePayload(ctx context.Context, s *session, log *logrus.Entry) (*upload, error) {
	line, err := s.reader.ReadLine()
	if err != nil {
		if errors.Is(err, protocol.ErrLineTooLong) {
			return nil, domain.ErrInvalidFastaHeader
		}
		return nil, closeConnection(fmt.Errorf("failed to read payload header: %w", err))
	}
	n, err := protocol.ParseStartFasta(line)
	if err != nil {
		log.WithError(err).Debug("Rejected payload header")
		return nil, domain.ErrInvalidFastaHeader
	}

	payload := s.reader.Payload(n)
	if h.config.MaxPayloadBytes > 0 && n > h.config.MaxPayloadBytes {
		log.WithFields(logrus.Fields{"announced": n, "limit": h.config.MaxPayloadBytes}).Warn("Payload exceeds limit")
		if err := payload.Drain(); err != nil {
			return nil, closeConnection(fmt.Errorf("failed to drain payload: %w", err))
		}
		return nil, domain.ErrInvalidFastaHeader
	}

	key := blob.NewKey(h.now())
	written, err := h.blobs.Put(ctx, key, payload, n)
	if payload.Short() {
		h.discard(ctx, key, log)
		return nil, closeConnection(fmt.Errorf("payload ended after %d of %d bytes: %w", payload.BytesRead(), n, io.ErrUnexpectedEOF))
	}
	if err != nil {
		h.discard(ctx, key, log)
		if derr := payload.Drain(); derr != nil {
			return nil, closeConnection(fmt.Errorf("failed to drain payload: %w", derr))
		}
		return nil, fmt.Errorf("failed to store payload: %w", err)
	}

	log.WithFields(logrus.Fields{"blob_key": key, "bytes": written}).Debug("Payload stored")
	return &upload{key: key}, nil
}

// inspect re-reads the stored payload so validation sees exactly the
// persisted bytes, then applies the format and checksum checks.
func (h *Handler) inspect(ctx context.Context, up *upload, claimed string, log *logrus.Entry) error {
	rc, err := h.blobs.Open(ctx, up.key)
	if err != nil {
		return fmt.Errorf("failed to open stored payload: %w", err)
	}
	defer rc.Close()

	ins, err := h.validator.Inspect(rc)
	if err != nil {
		return fmt.Errorf("failed to read stored payload: %w", err)
	}
	up.inspection = ins

	if !ins.Valid() {
		log.WithField("problem", ins.Problem.Message).Info("Payload is not valid FASTA")
		return domain.ErrInvalidFasta
	}
	if claimed != "" && !fasta.ChecksumMatches(claimed, ins.Checksum) {
		log.WithFields(logrus.Fields{"claimed": claimed, "computed": ins.Checksum}).Info("Payload checksum mismatch")
		return domain.ErrChecksumMismatch
	}
	return nil
}

// release deletes the blob of a command that did not complete.
func (h *Handler) release(ctx context.Context, up *upload, log *logrus.Entry) {
	if up != nil && !up.keep {
		h.discard(ctx, up.key, log)
	}
}

func (h *Handler) discard(ctx context.Context, key string, log *logrus.Entry) {
	if err := h.blobs.Delete(ctx, key); err != nil {
		log.WithError(err).WithField("blob_key", key).Warn("Failed to delete rejected payload")
	}
}

func (h *Handler) create(ctx context.Context, s *session, log *logrus.Entry) error {
	md, err := h.readMetadata(s)
	if err != nil {
		return err
	}

	up, err := h.receivePayload(ctx, s, log)
	if err != nil {
		return err
	}
	defer h.release(ctx, up, log)

	if err := h.inspect(ctx, up, md[protocol.KeyChecksum], log); err != nil {
		return err
	}

	rec, err := h.newRecord(md)
	if err != nil {
		return err
	}
	rec.FastaChecksum = up.inspection.Checksum
	rec.FileSizeBytes = up.inspection.Size
	log = log.WithField("patient_id", rec.PatientID)

	err = h.store.Create(ctx, rec)
	if errors.Is(err, domain.ErrDuplicatePatient) {
		return domain.ErrPatientExists
	}
	if err != nil {
		return fmt.Errorf("failed to create patient %d: %w", rec.PatientID, err)
	}
	up.keep = true
	h.metrics.PayloadBytes.Observe(float64(rec.FileSizeBytes))

	reports := h.detect(ctx, rec, up.inspection, log)
	log.WithFields(logrus.Fields{
		"blob_key":   up.key,
		"detections": len(reports),
	}).Info("Patient created")

	return h.respond(s.writer.Created(rec.PatientID, reports))
}

// newRecord validates the identity and demographic metadata of a new patient.
func (h *Handler) newRecord(md protocol.Metadata) (*domain.PatientRecord, error) {
	documentID, ok := md.Get(protocol.KeyDocumentID)
	if !ok || documentID == "" {
		return nil, domain.ErrMissingDocumentID
	}
	id, err := parseID(documentID)
	if err != nil {
		return nil, domain.ErrInvalidDocumentID
	}

	age, err := parseAge(md[protocol.KeyAge])
	if err != nil {
		return nil, domain.ErrInvalidAge
	}

	// Sex may be left unrecorded; a value that is sent must be M or F.
	sex, err := domain.ParseOptionalSex(md[protocol.KeySex])
	if err != nil {
		return nil, domain.ErrBadRequest
	}

	return &domain.PatientRecord{
		PatientID:             id,
		DocumentID:            documentID,
		FullName:              md[protocol.KeyFullName],
		Age:                   age,
		Sex:                   sex,
		ContactEmail:          md[protocol.KeyContactEmail],
		RegistrationTimestamp: h.now().UTC().Truncate(timeResolution),
		ClinicalNotes:         md[protocol.KeyClinicalNotes],
		Active:                true,
	}, nil
}

// detect screens the stored sequence and records one report per match, in
// index order. Report persistence and publication failures are logged; the
// patient has already been created at this point.
func (h *Handler) detect(ctx context.Context, rec *domain.PatientRecord, ins *fasta.Inspection, log *logrus.Entry) []*domain.DetectionReport {
	matches := h.screener.Screen(ins.Checksum, ins.Sequence)
	reports := make([]*domain.DetectionReport, 0, len(matches))
	detectedAt := h.now()

	for _, sig := range matches {
		report := domain.NewDetectionReport(rec.PatientID, sig, detectedAt)
		if err := h.store.AppendReport(ctx, report); err != nil {
			log.WithError(err).WithField("disease_id", sig.DiseaseID).Error("Failed to persist detection report")
		}
		if err := h.publish(ctx, report); err != nil {
			log.WithError(err).WithField("disease_id", sig.DiseaseID).Warn("Failed to queue detection event")
		}
		h.metrics.Detections.WithLabelValues(sig.DiseaseID).Inc()
		reports = append(reports, report)
	}
	return reports
}

// publish queues one detection event, giving up after PublishTimeout so a
// stalled event stream cannot hold the command open.
func (h *Handler) publish(ctx context.Context, report *domain.DetectionReport) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.PublishTimeout)
	defer cancel()
	return h.publisher.PublishDetection(ctx, report)
}

func (h *Handler) update(ctx context.Context, s *session, log *logrus.Entry) error {
	md, err := h.readMetadata(s)
	if err != nil {
		return err
	}

	var up *upload
	if md.Has(protocol.KeyFileSize) {
		up, err = h.receivePayload(ctx, s, log)
		if err != nil {
			return err
		}
		defer h.release(ctx, up, log)

		if err := h.inspect(ctx, up, md[protocol.KeyChecksum], log); err != nil {
			return err
		}
	}

	raw, ok := md.Get(protocol.KeyPatientID)
	if !ok || raw == "" {
		return domain.ErrMissingPatientID
	}
	id, err := parseID(raw)
	if err != nil {
		return domain.ErrBadRequest
	}
	log = log.WithField("patient_id", id)

	apply, err := patch(md, up)
	if err != nil {
		return err
	}

	_, err = h.store.Modify(ctx, id, apply)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update patient %d: %w", id, err)
	}

	if up != nil {
		up.keep = true
		h.metrics.PayloadBytes.Observe(float64(up.inspection.Size))
		log = log.WithField("blob_key", up.key)
	}
	log.Info("Patient updated")
	return h.respond(s.writer.OK("patient updated"))
}

// patch validates the updatable keys present in md and returns the mutation
// applied to the stored record. Absent keys leave their field unchanged.
func patch(md protocol.Metadata, up *upload) (func(*domain.PatientRecord) error, error) {
	var (
		age    int
		hasAge bool
		sex    domain.Sex
		hasSex bool
	)
	if raw, ok := md.Get(protocol.KeyAge); ok {
		v, err := parseAge(raw)
		if err != nil {
			return nil, domain.ErrInvalidAge
		}
		age, hasAge = v, true
	}
	if raw, ok := md.Get(protocol.KeySex); ok {
		v, err := domain.ParseSex(raw)
		if err != nil {
			return nil, domain.ErrBadRequest
		}
		sex, hasSex = v, true
	}

	return func(rec *domain.PatientRecord) error {
		if v, ok := md.Get(protocol.KeyFullName); ok {
			rec.FullName = v
		}
		if hasAge {
			rec.Age = age
		}
		if hasSex {
			rec.Sex = sex
		}
		if v, ok := md.Get(protocol.KeyContactEmail); ok {
			rec.ContactEmail = v
		}
		if v, ok := md.Get(protocol.KeyClinicalNotes); ok {
			rec.ClinicalNotes = v
		}
		if up != nil {
			rec.FastaChecksum = up.inspection.Checksum
			rec.FileSizeBytes = up.inspection.Size
		}
		return nil
	}, nil
}
