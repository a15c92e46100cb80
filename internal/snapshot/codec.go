package snapshot

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode 使用 Core Deterministic Encoding：相同資料永遠產生相同位元組，
// 時間以 RFC3339 奈秒字串保存以免遺失精度
var encMode cbor.EncMode

// decMode 忽略未知欄位，方便之後的格式演進
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
