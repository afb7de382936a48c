package app

import (
	"context"
	"errors"
	"io"

	"NetSpectraRx/internal/model"
	"NetSpectraRx/pkg/pcap"
)

// DefaultBatchSize is the number of packets handed to a receive context per
// poll during replay.
const DefaultBatchSize = 64

// ReplayResult summarises one replay.
type ReplayResult struct {
	Packets int `json:"packets"`
	Batches int `json:"batches"`
	Skipped int `json:"skipped"`
}

// Replay feeds every packet of a capture file through the device simulator
// into the running engine, as if it had arrived on interface iface. Packets
// are batched per receive context; a batch is submitted when it is full and
// at the end of the file.
func (a *App) Replay(ctx context.Context, path string, iface uint8, batchSize int) (ReplayResult, error) {
	var res ReplayResult
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	reader, err := pcap.NewReader(path)
	if err != nil {
		return res, err
	}
	defer reader.Close()

	batches := make([][]*model.Buffer, a.Config.Engine.NumContexts)
	submit := func(c uint8) error {
		if len(batches[c]) == 0 {
			return nil
		}
		if err := a.Engine.Submit(ctx, c, batches[c]); err != nil {
			return err
		}
		res.Batches++
		batches[c] = nil
		return nil
	}
	release := func() {
		for _, b := range batches {
			for _, buf := range b {
				buf.Release()
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			release()
			return res, err
		}
		p, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			release()
			return res, err
		}

		buf, c := a.Device.Receive(a.Pool, p.Data, iface)
		batches[c] = append(batches[c], buf)
		res.Packets++
		if len(batches[c]) >= batchSize {
			if err := submit(c); err != nil {
				release()
				return res, err
			}
		}
	}

	for c := range batches {
		if err := submit(uint8(c)); err != nil {
			release()
			return res, err
		}
	}
	res.Skipped = reader.Skipped()
	log.Infof("Replayed %d packets from %s in %d batches (%d frames skipped)", res.Packets, path, res.Batches, res.Skipped)
	return res, nil
}
