// operation.go — закрытый набор типов операций хранилища и их
// биллинговая классификация (Class A / Class B, по модели тарификации
// object storage: мутирующие операции дороже чтений).
package model

// OperationType — тип операции над хранилищем.
type OperationType string

// Закрытый набор типов операций.
const (
	OpUpload      OperationType = "upload"
	OpDownload    OperationType = "download"
	OpList        OperationType = "list"
	OpDelete      OperationType = "delete"
	OpGetMetadata OperationType = "get_metadata"
	OpGet         OperationType = "get"
	OpSearch      OperationType = "search"
)

// OperationClass — биллинговый класс операции.
type OperationClass int

const (
	// ClassNone — операция вне классификации, счётчики не инкрементируются
	ClassNone OperationClass = iota
	// ClassA — мутирующие и листинговые операции (PUT, DELETE, LIST)
	ClassA
	// ClassB — операции чтения (GET)
	ClassB
)

// Class возвращает биллинговый класс операции.
// Таблица классификации фиксирована и исчерпывающа; неизвестный тип — ClassNone.
func (op OperationType) Class() OperationClass {
	switch op {
	case OpUpload, OpDelete, OpList:
		return ClassA
	case OpDownload, OpGetMetadata, OpGet, OpSearch:
		return ClassB
	default:
		return ClassNone
	}
}

// String возвращает строковое представление класса (для логов и ответов).
func (c OperationClass) String() string {
	switch c {
	case ClassA:
		return "class_a"
	case ClassB:
		return "class_b"
	default:
		return "none"
	}
}
