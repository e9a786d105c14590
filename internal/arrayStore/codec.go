package arrayStore

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/labstor/labstor/pkg/types"
)

// Entries are stored as protobuf Structs. Float data rides as base64 of the
// raw IEEE 754 bits (EncodeFloats) rather than as number fields, so NaN and
// infinities round-trip bit-exact.

func encodeEntry(entry types.Entry) ([]byte, error) {
	fields := map[string]*structpb.Value{
		"pos": intsValue(entry.Pos),
		"re":  structpb.NewStringValue(types.EncodeFloats(entry.Value.Re)),
	}
	if len(entry.Value.Shape) > 0 {
		fields["shape"] = intsValue(entry.Value.Shape)
	}
	if entry.Value.Im != nil {
		fields["im"] = structpb.NewStringValue(types.EncodeFloats(entry.Value.Im))
	}
	raw, err := proto.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("encode array entry: %w", err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (types.Entry, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		return types.Entry{}, fmt.Errorf("decode array entry: %w", err)
	}
	fields := st.GetFields()

	pos, err := intsFromValue(fields["pos"])
	if err != nil {
		return types.Entry{}, fmt.Errorf("decode entry position: %w", err)
	}
	entry := types.Entry{Pos: pos}

	if shape := fields["shape"]; shape != nil {
		entry.Value.Shape, err = intsFromValue(shape)
		if err != nil {
			return types.Entry{}, fmt.Errorf("decode entry shape: %w", err)
		}
	}

	reField := fields["re"]
	if reField == nil {
		return types.Entry{}, fmt.Errorf("array entry has no data field")
	}
	entry.Value.Re, err = types.DecodeFloats(reField.GetStringValue())
	if err != nil {
		return types.Entry{}, fmt.Errorf("decode entry data: %w", err)
	}
	if imField := fields["im"]; imField != nil {
		entry.Value.Im, err = types.DecodeFloats(imField.GetStringValue())
		if err != nil {
			return types.Entry{}, fmt.Errorf("decode entry imaginary data: %w", err)
		}
	}
	return entry, nil
}

func intsValue(xs []int64) *structpb.Value {
	values := make([]*structpb.Value, len(xs))
	for i, x := range xs {
		values[i] = structpb.NewNumberValue(float64(x))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func intsFromValue(v *structpb.Value) ([]int64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("expected a list value")
	}
	out := make([]int64, len(list.Values))
	for i, item := range list.Values {
		out[i] = int64(item.GetNumberValue())
	}
	return out, nil
}
