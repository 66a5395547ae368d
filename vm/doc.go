// Package vm evaluates procedural-generation programs.
//
// A program is a graph of typed operations addressed by integers. A
// System keeps live instances of models; BeginUpdate evaluates the
// instance root of a state, and GetImage, GetMesh and GetImageDesc
// build the resources the instance refers to.
//
// Evaluation is driven by a CodeRunner: a cooperative scheduler that
// runs cheap operations inline and issues image kernels, rom reads and
// external loads to worker goroutines. Results live in a ProgramCache
// per instance, and every heavy buffer is owned by the
// WorkingMemoryManager, which enforces the memory budget.
package vm
