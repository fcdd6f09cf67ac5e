/*
包 channels 提供 HTTP 之外的对话入口。

TelegramChannel 通过长轮询接收消息：每个聊天映射为线程 telegram-<chat_id>，
文档与照片先存入附件库，再把签名链接拼到消息文本后交给执行器。
当回合停在审批阶段时，回复附带 Yes/No 按钮，按下后等同于发送 "yes"/"no"。
*/
package channels
