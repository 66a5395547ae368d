// Package program describes a compiled Mutable model: the operation
// graph, its constants, streamable roms, states and parameters. The VM
// only reads it.
package program

import "fmt"

// Address locates an operation in the program. Address 0 is the null
// operation and never produces a value.
type Address uint32

// DataType is the kind of value an operation produces.
type DataType uint8

const (
	DataNone DataType = iota
	DataBool
	DataInt
	DataScalar
	DataColour
	DataMatrix
	DataProjector
	DataString
	DataLayout
	DataInstance
	DataImage
	DataMesh
	DataExtensionData
)

var dataTypeNames = [...]string{
	"none", "bool", "int", "scalar", "colour", "matrix", "projector",
	"string", "layout", "instance", "image", "mesh", "extension-data",
}

func (d DataType) String() string {
	if int(d) < len(dataTypeNames) {
		return dataTypeNames[d]
	}
	return fmt.Sprintf("datatype(%d)", d)
}

// IsResource reports whether values of this type are heavy payloads
// tracked by hit counts.
func (d DataType) IsResource() bool {
	return d == DataImage || d == DataMesh
}

// OpType is the operation code.
type OpType uint16

const (
	OpNone OpType = iota

	OpBoolConstant
	OpBoolParameter
	OpBoolAnd
	OpBoolOr
	OpBoolNot
	OpBoolEqualIntConst

	OpIntConstant
	OpIntParameter

	OpScalarConstant
	OpScalarParameter
	OpScalarArithmetic

	OpColourConstant
	OpColourParameter
	OpColourFromScalars

	OpStringConstant
	OpStringParameter

	OpMatrixConstant
	OpMatrixParameter

	OpProjectorConstant
	OpProjectorParameter

	OpLayoutConstant
	OpExtensionDataConstant

	OpConditional
	OpSwitch

	OpInstanceAddLOD
	OpInstanceAddMesh
	OpInstanceAddImage
	OpInstanceAddExtensionData

	OpMeshConstant
	OpMeshParameter
	OpMeshReference
	OpMeshTransform

	OpImageConstant
	OpImageParameter
	OpImageReference
	OpImagePlainColour
	OpImagePixelFormat
	OpImageLayerColour
	OpImageMipmap
	OpImageSwizzle
	OpImageSaturate
	OpImageInvert
	OpImageResize
	OpImageResizeRel
	OpImageLayer
	OpImageMultiLayer
	OpImageCompose
	OpImageInterpolate

	OpCount
)

var opNames = map[OpType]string{
	OpNone:                     "None",
	OpBoolConstant:             "BoolConstant",
	OpBoolParameter:            "BoolParameter",
	OpBoolAnd:                  "BoolAnd",
	OpBoolOr:                   "BoolOr",
	OpBoolNot:                  "BoolNot",
	OpBoolEqualIntConst:        "BoolEqualIntConst",
	OpIntConstant:              "IntConstant",
	OpIntParameter:             "IntParameter",
	OpScalarConstant:           "ScalarConstant",
	OpScalarParameter:          "ScalarParameter",
	OpScalarArithmetic:         "ScalarArithmetic",
	OpColourConstant:           "ColourConstant",
	OpColourParameter:          "ColourParameter",
	OpColourFromScalars:        "ColourFromScalars",
	OpStringConstant:           "StringConstant",
	OpStringParameter:          "StringParameter",
	OpMatrixConstant:           "MatrixConstant",
	OpMatrixParameter:          "MatrixParameter",
	OpProjectorConstant:        "ProjectorConstant",
	OpProjectorParameter:       "ProjectorParameter",
	OpLayoutConstant:           "LayoutConstant",
	OpExtensionDataConstant:    "ExtensionDataConstant",
	OpConditional:              "Conditional",
	OpSwitch:                   "Switch",
	OpInstanceAddLOD:           "InstanceAddLOD",
	OpInstanceAddMesh:          "InstanceAddMesh",
	OpInstanceAddImage:         "InstanceAddImage",
	OpInstanceAddExtensionData: "InstanceAddExtensionData",
	OpMeshConstant:             "MeshConstant",
	OpMeshParameter:            "MeshParameter",
	OpMeshReference:            "MeshReference",
	OpMeshTransform:            "MeshTransform",
	OpImageConstant:            "ImageConstant",
	OpImageParameter:           "ImageParameter",
	OpImageReference:           "ImageReference",
	OpImagePlainColour:         "ImagePlainColour",
	OpImagePixelFormat:         "ImagePixelFormat",
	OpImageLayerColour:         "ImageLayerColour",
	OpImageMipmap:              "ImageMipmap",
	OpImageSwizzle:             "ImageSwizzle",
	OpImageSaturate:            "ImageSaturate",
	OpImageInvert:              "ImageInvert",
	OpImageResize:              "ImageResize",
	OpImageResizeRel:           "ImageResizeRel",
	OpImageLayer:               "ImageLayer",
	OpImageMultiLayer:          "ImageMultiLayer",
	OpImageCompose:             "ImageCompose",
	OpImageInterpolate:         "ImageInterpolate",
}

func (t OpType) String() string {
	if n, ok := opNames[t]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", t)
}

// IsParameter reports whether the op reads a parameter value.
func (t OpType) IsParameter() bool {
	switch t {
	case OpBoolParameter, OpIntParameter, OpScalarParameter, OpColourParameter,
		OpStringParameter, OpMatrixParameter, OpProjectorParameter,
		OpMeshParameter, OpImageParameter:
		return true
	}
	return false
}

// fixedDataTypes maps ops whose result type does not depend on arguments.
var fixedDataTypes = map[OpType]DataType{
	OpBoolConstant: DataBool, OpBoolParameter: DataBool, OpBoolAnd: DataBool,
	OpBoolOr: DataBool, OpBoolNot: DataBool, OpBoolEqualIntConst: DataBool,

	OpIntConstant: DataInt, OpIntParameter: DataInt,

	OpScalarConstant: DataScalar, OpScalarParameter: DataScalar, OpScalarArithmetic: DataScalar,

	OpColourConstant: DataColour, OpColourParameter: DataColour, OpColourFromScalars: DataColour,

	OpStringConstant: DataString, OpStringParameter: DataString,
	OpMatrixConstant: DataMatrix, OpMatrixParameter: DataMatrix,
	OpProjectorConstant: DataProjector, OpProjectorParameter: DataProjector,
	OpLayoutConstant: DataLayout, OpExtensionDataConstant: DataExtensionData,

	OpInstanceAddLOD: DataInstance, OpInstanceAddMesh: DataInstance,
	OpInstanceAddImage: DataInstance, OpInstanceAddExtensionData: DataInstance,

	OpMeshConstant: DataMesh, OpMeshParameter: DataMesh, OpMeshReference: DataMesh,
	OpMeshTransform: DataMesh,

	OpImageConstant: DataImage, OpImageParameter: DataImage, OpImageReference: DataImage,
	OpImagePlainColour: DataImage, OpImagePixelFormat: DataImage, OpImageLayerColour: DataImage,
	OpImageMipmap: DataImage, OpImageSwizzle: DataImage, OpImageSaturate: DataImage,
	OpImageInvert: DataImage, OpImageResize: DataImage, OpImageResizeRel: DataImage,
	OpImageLayer: DataImage, OpImageMultiLayer: DataImage, OpImageCompose: DataImage,
	OpImageInterpolate: DataImage,
}
