package journal

import (
	"hash/crc32"
	"strconv"
	"strings"
	"time"
)

// CalculateChecksum 以 CRC32-IEEE 計算事件內容的校驗和（不含 Checksum 欄位本身）
func CalculateChecksum(e Event) uint32 {
	var b strings.Builder
	b.WriteString(e.At.UTC().Format(time.RFC3339Nano))
	for _, s := range []string{string(e.Type), e.JobID, e.WorkerID, string(e.State), strconv.Itoa(e.Attempts), e.Detail} {
		b.WriteByte(0)
		b.WriteString(s)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 重新計算並比對
func VerifyChecksum(e Event) bool {
	return CalculateChecksum(e) == e.Checksum
}
