// Package steps 提供编排管线的全部标准步骤实现。
//
// 每个步骤只通过 workflow.Context 的命名空间与其他步骤交换数据，
// 自身无状态，依赖在装配期经 Deps 注入。RegisterAll 一次注册全部
// 步骤，模板按名字引用。
package steps
