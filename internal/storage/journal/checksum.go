package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌條目的 CRC32 校驗和
// ============================================================================

import (
	"hash/crc32"
	"strconv"
	"strings"
)

// CalculateChecksum 計算條目的 CRC32 校驗和
//
// 涵蓋 Seq、Type、MutationID、RequestID、From、To。
// 時間戳記不在校驗範圍內。
func CalculateChecksum(e Entry) uint32 {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(e.Seq, 10))
	b.WriteByte('|')
	b.WriteString(string(e.Type))
	b.WriteByte('|')
	b.WriteString(e.MutationID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(int64(e.RequestID), 10))
	b.WriteByte('|')
	b.WriteString(string(e.From))
	b.WriteByte('|')
	b.WriteString(string(e.To))
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// VerifyChecksum 驗證條目的校驗和是否正確
func VerifyChecksum(e Entry) error {
	expected := CalculateChecksum(e)
	if e.Checksum != expected {
		return &ChecksumError{Seq: e.Seq, Expected: expected, Actual: e.Checksum}
	}
	return nil
}
