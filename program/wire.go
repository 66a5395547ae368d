package program

import (
	"fmt"

	"github.com/chazu/mutable/resource"
	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical options so the same model always encodes
// to the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("program: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireOp struct {
	Type OpType          `cbor:"t"`
	Args cbor.RawMessage `cbor:"a,omitempty"`
}

type wireModel struct {
	Name           string                     `cbor:"name"`
	Ops            []wireOp                   `cbor:"ops"`
	States         []State                    `cbor:"states"`
	Parameters     []ParamDesc                `cbor:"parameters"`
	Ranges         []RangeDesc                `cbor:"ranges,omitempty"`
	ConstantImages []ConstantImage            `cbor:"images,omitempty"`
	ConstantMeshes []ConstantMesh             `cbor:"meshes,omitempty"`
	Layouts        []resource.Layout          `cbor:"layouts,omitempty"`
	ExtensionData  []resource.ExtensionData   `cbor:"extension,omitempty"`
	Roms           []RomDesc                  `cbor:"roms,omitempty"`
	RomPayloads    map[uint32]cbor.RawMessage `cbor:"payloads,omitempty"`
}

func decodeArgs[T Args](raw cbor.RawMessage) (Args, error) {
	var a T
	if len(raw) == 0 {
		return a, nil
	}
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

var argDecoders = map[OpType]func(cbor.RawMessage) (Args, error){
	OpNone:                     decodeArgs[NoArgs],
	OpBoolConstant:             decodeArgs[BoolConstantArgs],
	OpBoolParameter:            decodeArgs[ParameterArgs],
	OpBoolAnd:                  decodeArgs[BoolBinaryArgs],
	OpBoolOr:                   decodeArgs[BoolBinaryArgs],
	OpBoolNot:                  decodeArgs[BoolNotArgs],
	OpBoolEqualIntConst:        decodeArgs[BoolEqualIntConstArgs],
	OpIntConstant:              decodeArgs[IntConstantArgs],
	OpIntParameter:             decodeArgs[ParameterArgs],
	OpScalarConstant:           decodeArgs[ScalarConstantArgs],
	OpScalarParameter:          decodeArgs[ParameterArgs],
	OpScalarArithmetic:         decodeArgs[ArithmeticArgs],
	OpColourConstant:           decodeArgs[ColourConstantArgs],
	OpColourParameter:          decodeArgs[ParameterArgs],
	OpColourFromScalars:        decodeArgs[ColourFromScalarsArgs],
	OpStringConstant:           decodeArgs[StringConstantArgs],
	OpStringParameter:          decodeArgs[ParameterArgs],
	OpMatrixConstant:           decodeArgs[MatrixConstantArgs],
	OpMatrixParameter:          decodeArgs[ParameterArgs],
	OpProjectorConstant:        decodeArgs[ProjectorConstantArgs],
	OpProjectorParameter:       decodeArgs[ParameterArgs],
	OpLayoutConstant:           decodeArgs[TableConstantArgs],
	OpExtensionDataConstant:    decodeArgs[TableConstantArgs],
	OpConditional:              decodeArgs[ConditionalArgs],
	OpSwitch:                   decodeArgs[SwitchArgs],
	OpInstanceAddLOD:           decodeArgs[InstanceAddLODArgs],
	OpInstanceAddMesh:          decodeArgs[InstanceAddResourceArgs],
	OpInstanceAddImage:         decodeArgs[InstanceAddResourceArgs],
	OpInstanceAddExtensionData: decodeArgs[InstanceAddResourceArgs],
	OpMeshConstant:             decodeArgs[TableConstantArgs],
	OpMeshParameter:            decodeArgs[ParameterArgs],
	OpMeshReference:            decodeArgs[ReferenceArgs],
	OpMeshTransform:            decodeArgs[MeshTransformArgs],
	OpImageConstant:            decodeArgs[TableConstantArgs],
	OpImageParameter:           decodeArgs[ParameterArgs],
	OpImageReference:           decodeArgs[ReferenceArgs],
	OpImagePlainColour:         decodeArgs[ImagePlainColourArgs],
	OpImagePixelFormat:         decodeArgs[ImagePixelFormatArgs],
	OpImageLayerColour:         decodeArgs[ImageLayerColourArgs],
	OpImageMipmap:              decodeArgs[ImageMipmapArgs],
	OpImageSwizzle:             decodeArgs[ImageSwizzleArgs],
	OpImageSaturate:            decodeArgs[ImageSaturateArgs],
	OpImageInvert:              decodeArgs[ImageInvertArgs],
	OpImageResize:              decodeArgs[ImageResizeArgs],
	OpImageResizeRel:           decodeArgs[ImageResizeRelArgs],
	OpImageLayer:               decodeArgs[ImageLayerArgs],
	OpImageMultiLayer:          decodeArgs[ImageMultiLayerArgs],
	OpImageCompose:             decodeArgs[ImageComposeArgs],
	OpImageInterpolate:         decodeArgs[ImageInterpolateArgs],
}

// MarshalModel serializes a model and optional rom payloads to CBOR.
func MarshalModel(m *Model, payloads map[uint32][]byte) ([]byte, error) {
	p := m.Program
	w := wireModel{
		Name:           m.Name,
		Ops:            make([]wireOp, len(p.Ops)),
		States:         p.States,
		Parameters:     p.Parameters,
		Ranges:         p.Ranges,
		ConstantImages: p.ConstantImages,
		ConstantMeshes: p.ConstantMeshes,
		Layouts:        p.Layouts,
		ExtensionData:  p.ExtensionData,
		Roms:           p.Roms,
	}
	for i, op := range p.Ops {
		w.Ops[i].Type = op.Type
		if op.Args == nil {
			continue
		}
		raw, err := cborEncMode.Marshal(op.Args)
		if err != nil {
			return nil, fmt.Errorf("program: marshal op %d: %w", i, err)
		}
		w.Ops[i].Args = raw
	}
	if len(payloads) > 0 {
		w.RomPayloads = make(map[uint32]cbor.RawMessage, len(payloads))
		for id, b := range payloads {
			w.RomPayloads[id] = b
		}
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalModel deserializes a model written by MarshalModel. Rom
// payloads carried in the file are returned separately.
func UnmarshalModel(data []byte) (*Model, map[uint32][]byte, error) {
	var w wireModel
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, nil, fmt.Errorf("program: unmarshal model: %w", err)
	}
	p := &Program{
		Ops:            make([]Op, len(w.Ops)),
		States:         w.States,
		Parameters:     w.Parameters,
		Ranges:         w.Ranges,
		ConstantImages: w.ConstantImages,
		ConstantMeshes: w.ConstantMeshes,
		Layouts:        w.Layouts,
		ExtensionData:  w.ExtensionData,
		Roms:           w.Roms,
	}
	for i, op := range w.Ops {
		dec, ok := argDecoders[op.Type]
		if !ok {
			return nil, nil, fmt.Errorf("program: op %d has unknown type %d", i, op.Type)
		}
		args, err := dec(op.Args)
		if err != nil {
			return nil, nil, fmt.Errorf("program: unmarshal op %d args: %w", i, err)
		}
		p.Ops[i] = Op{Type: op.Type, Args: args}
	}
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	var payloads map[uint32][]byte
	if len(w.RomPayloads) > 0 {
		payloads = make(map[uint32][]byte, len(w.RomPayloads))
		for id, b := range w.RomPayloads {
			payloads[id] = b
		}
	}
	return NewModel(w.Name, p), payloads, nil
}

// MarshalRom serializes the value of a rom.
func MarshalRom(r resource.Resource) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalRom deserializes a rom value of the given type.
func UnmarshalRom(t RomDataType, data []byte) (resource.Resource, error) {
	switch t {
	case RomImage:
		var img resource.Image
		if err := cbor.Unmarshal(data, &img); err != nil {
			return nil, fmt.Errorf("program: unmarshal image rom: %w", err)
		}
		return &img, nil
	case RomMesh:
		var m resource.Mesh
		if err := cbor.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("program: unmarshal mesh rom: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("program: unknown rom type %d", t)
}
