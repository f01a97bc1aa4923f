package chain

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// SystemProgramID is the native system program
const SystemProgramID = "11111111111111111111111111111111"

// solTransferInstruction is the system program's Transfer instruction index
const solTransferInstruction = 2

// TransferBuilder builds unsigned native transfer transactions. Swap and
// claim transactions come pre-built from the venue; the only transactions the
// engine assembles itself are the claim split legs.
type TransferBuilder struct {
	blockhashes *BlockhashCache
}

// NewTransferBuilder creates a transfer builder backed by the blockhash cache.
func NewTransferBuilder(blockhashes *BlockhashCache) *TransferBuilder {
	return &TransferBuilder{blockhashes: blockhashes}
}

// BuildTransfer assembles an unsigned legacy transaction moving lamports from
// one address to another, with from as fee payer. The signature slot is
// zeroed; the signer fills it.
func (b *TransferBuilder) BuildTransfer(from, to string, lamports uint64) (string, error) {
	blockhash, err := b.blockhashes.Get()
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}
	return BuildTransferWithBlockhash(from, to, lamports, blockhash)
}

// BuildTransferWithBlockhash assembles the transfer against an explicit
// blockhash.
func BuildTransferWithBlockhash(from, to string, lamports uint64, blockhash string) (string, error) {
	fromKey, err := base58.Decode(from)
	if err != nil || len(fromKey) != 32 {
		return "", fmt.Errorf("invalid from address: %s", from)
	}
	toKey, err := base58.Decode(to)
	if err != nil || len(toKey) != 32 {
		return "", fmt.Errorf("invalid to address: %s", to)
	}
	programKey, _ := base58.Decode(SystemProgramID)
	hashBytes, err := base58.Decode(blockhash)
	if err != nil || len(hashBytes) != 32 {
		return "", fmt.Errorf("invalid blockhash: %s", blockhash)
	}

	// Instruction data: [u32 LE instruction index][u64 LE lamports]
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], solTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	// Legacy message: header, account keys, blockhash, instructions.
	// All lengths fit in one compact-u16 byte here.
	var msg []byte
	msg = append(msg, 1, 0, 1) // 1 required signature, 0 readonly signed, 1 readonly unsigned
	msg = append(msg, 3)       // account count
	msg = append(msg, fromKey...)
	msg = append(msg, toKey...)
	msg = append(msg, programKey...)
	msg = append(msg, hashBytes...)
	msg = append(msg, 1)       // instruction count
	msg = append(msg, 2)       // program id index
	msg = append(msg, 2, 0, 1) // account indexes: from, to
	msg = append(msg, byte(len(data)))
	msg = append(msg, data...)

	// Unsigned wire format: [sig count][zeroed sig slot][message]
	tx := make([]byte, 1+64+len(msg))
	tx[0] = 1
	copy(tx[65:], msg)

	return base64.StdEncoding.EncodeToString(tx), nil
}
