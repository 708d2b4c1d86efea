package jms

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/infigaming-com/go-mqclient/errors"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

func compressBody(body []byte) ([]byte, error) {
	enc, _, err := codecs()
	if err != nil {
		return nil, errors.Wrap(errors.Provider, err, "init compressor")
	}
	return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
}

func decompressBody(body []byte) ([]byte, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, errors.Wrap(errors.Provider, err, "init decompressor")
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, errors.Wrap(errors.MessageFormat, err, "decompress body")
	}
	return out, nil
}
