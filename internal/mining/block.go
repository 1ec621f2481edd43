package mining

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// AssembleBlock serializes the full block for submission to the node:
// header, varint transaction count, the coinbase transaction, and every
// template transaction in the order the template supplied them.
func AssembleBlock(header, coinbase []byte, tmpl *Template) (string, error) {
	var buf bytes.Buffer
	buf.Write(header)

	txCount := uint64(1 + len(tmpl.Transactions))
	if err := wire.WriteVarInt(&buf, 0, txCount); err != nil {
		return "", fmt.Errorf("assemble block: write tx count: %w", err)
	}

	buf.Write(coinbase)

	for _, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Hex)
		if err != nil {
			return "", fmt.Errorf("assemble block: decode tx %s: %w", tx.TxID, err)
		}
		buf.Write(raw)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}
