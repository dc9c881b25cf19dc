package flowstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersionV1 = 1

// Kind tags the concrete flow a record belongs to.
type Kind uint8

const (
	KindSignUp Kind = iota + 1
	KindLoginVerification
	KindChangeEmail
	KindChangeRecoveryCode
)

const flagRecover = 1 << 0

// Record is the tagged flow record shared by all flow kinds. Unused payload
// fields stay empty; the kind determines which fields are meaningful.
type Record struct {
	Kind             Kind
	Attempts         uint16
	ExpiresAt        int64
	UserID           string
	Email            string
	OldEmail         string
	Code             string // numeric one-time code; empty for confirmation-only records
	RecoveryHash     string // salted hash of the account's recovery code, snapshotted at creation
	ComputerCodeHash string
	ChallengeID      string
	Recover          bool
}

func encodeRecord(record *Record) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(recordVersionV1)
	buf.WriteByte(byte(record.Kind))

	var flags byte
	if record.Recover {
		flags |= flagRecover
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, s := range []string{
		record.UserID,
		record.Email,
		record.OldEmail,
		record.Code,
		record.RecoveryHash,
		record.ComputerCodeHash,
		record.ChallengeID,
	} {
		if len(s) > 65535 {
			return nil, errors.New("flow record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(s))); err != nil {
			return nil, err
		}
		buf.WriteString(s)
	}

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersionV1 {
		return nil, errors.New("invalid flow record version")
	}

	kind, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &Record{
		Kind:    Kind(kind),
		Recover: flags&flagRecover != 0,
	}

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []*string{
		&record.UserID,
		&record.Email,
		&record.OldEmail,
		&record.Code,
		&record.RecoveryHash,
		&record.ComputerCodeHash,
		&record.ChallengeID,
	} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*field = string(raw)
	}

	return record, nil
}
